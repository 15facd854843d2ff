package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchReturnsHandlerError(t *testing.T) {
	shutdown := Setup()
	defer shutdown(context.Background())

	want := errors.New("boom")
	err := Dispatch(context.Background(), "test_event", func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}

func TestDispatchSucceedsWithNilError(t *testing.T) {
	shutdown := Setup()
	defer shutdown(context.Background())

	err := Dispatch(context.Background(), "test_event", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
