package notifier

import (
	"context"
	"strings"
	"testing"
)

func TestNoOpDeliverer_Deliver(t *testing.T) {
	d := NewNoOpDeliverer()

	a, err := d.Deliver(context.Background(), "chat-1", "hello")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	b, _ := d.Deliver(context.Background(), "chat-1", "hello")

	if !strings.HasPrefix(a.MessageID, "noop-") {
		t.Errorf("expected noop- prefix, got %q", a.MessageID)
	}
	if a.MessageID == b.MessageID {
		t.Errorf("expected distinct message ids, got %q twice", a.MessageID)
	}
}

func TestNoOpDeliverer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewNoOpDeliverer().Deliver(ctx, "chat-1", "hello"); err == nil {
		t.Error("expected error for canceled context")
	}
}
