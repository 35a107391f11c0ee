package encounter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

type Service struct {
	repo Repository
	tx   db.Transactor
	now  func() time.Time
}

func NewService(repo Repository, tx db.Transactor) *Service {
	return &Service{repo: repo, tx: tx, now: func() time.Time { return time.Now().UTC() }}
}

// TenantID returns the tenant bound to ctx.
func TenantID(ctx context.Context) (string, error) {
	tid := db.TenantFromContext(ctx)
	if tid == "" {
		return "", apperr.Validation("tenant is required")
	}
	return tid, nil
}

func (s *Service) CreateEncounter(ctx context.Context, enc *Encounter) error {
	tid, err := TenantID(ctx)
	if err != nil {
		return err
	}
	enc.PatientID = strings.TrimSpace(enc.PatientID)
	if enc.PatientID == "" {
		return apperr.Validation("patient_id is required")
	}
	if enc.Type == "" {
		enc.Type = TypeLab
	}
	if !ValidType(enc.Type) {
		return apperr.Validation("invalid encounter type: %s", enc.Type)
	}
	enc.TenantID = tid
	enc.Status = StatusRegistered
	enc.CreatedBy = auth.Actor(ctx)

	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, enc); err != nil {
			return fmt.Errorf("create encounter: %w", err)
		}
		return s.repo.AddStatusHistory(ctx, &StatusHistory{
			TenantID:    tid,
			EncounterID: enc.ID,
			ToStatus:    StatusRegistered,
			ChangedBy:   enc.CreatedBy,
			ChangedAt:   s.now(),
		})
	})
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, tid, id)
}

func (s *Service) ListEncounters(ctx context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, 0, err
	}
	if f.Status != "" {
		if _, ok := transitions[f.Status]; !ok {
			return nil, 0, apperr.Validation("invalid status: %s", f.Status)
		}
	}
	return s.repo.List(ctx, tid, f, limit, offset)
}

func (s *Service) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(ctx, tid, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, tid, id)
}

// Lock loads the encounter and holds its row lock for the rest of the
// transaction carried by ctx.
func (s *Service) Lock(ctx context.Context, tenantID string, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetForUpdate(ctx, tenantID, id)
}

// Transition moves enc to status to and appends a history row. Callers run it
// inside a transaction after Lock.
func (s *Service) Transition(ctx context.Context, enc *Encounter, to string) error {
	from := enc.Status
	if !CanTransition(from, to) {
		return apperr.Conflict(apperr.CodeInvalidEncounterTransition,
			fmt.Sprintf("encounter cannot move from %s to %s", from, to)).
			With("status", from).
			With("target", to)
	}

	now := s.now()
	enc.Status = to
	enc.UpdatedAt = now
	switch to {
	case StatusFinalized:
		enc.FinalizedAt = &now
	case StatusDocumented:
		enc.DocumentedAt = &now
	}

	if err := s.repo.UpdateStatus(ctx, enc); err != nil {
		return fmt.Errorf("update encounter status: %w", err)
	}
	return s.repo.AddStatusHistory(ctx, &StatusHistory{
		TenantID:    enc.TenantID,
		EncounterID: enc.ID,
		FromStatus:  &from,
		ToStatus:    to,
		ChangedBy:   auth.Actor(ctx),
		ChangedAt:   now,
	})
}

func (s *Service) CancelEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var enc *Encounter
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		enc, err = s.Lock(ctx, tid, id)
		if err != nil {
			return err
		}
		if IsClosed(enc.Status) {
			return apperr.Conflict(apperr.CodeEncounterClosed, "encounter is "+enc.Status).
				With("status", enc.Status)
		}
		return s.Transition(ctx, enc, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}
