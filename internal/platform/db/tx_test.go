package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_NoTx(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx on empty context")
	}
}

func TestNoopTransactor_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	var tr Transactor = NoopTransactor{}

	called := false
	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		called = true
		return boom
	})
	if !called {
		t.Error("expected fn to be called")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}
