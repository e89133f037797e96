package logging

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTimeLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithRequestID(context.Background(), "req-1")
	func() (err error) {
		defer Time(ctx, zap.New(core), "matrix.fetch")(&err)
		return errors.New("boom")
	}()
	entries := logs.FilterMessage("op failed").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 failure entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["op"] != "matrix.fetch" || fields["req_id"] != "req-1" {
		t.Fatalf("fields: %+v", fields)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("loud", "test"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if RequestID(context.Background()) != "" {
		t.Fatal("empty context should have no request id")
	}
}
