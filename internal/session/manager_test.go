package session

import (
	"context"
	"testing"
	"time"
)

func TestManagerCreateTouchEnd(t *testing.T) {
	m := NewManager(time.Minute)
	r := m.Create("A")
	if r.ID == "" {
		t.Fatalf("record ID should not be empty")
	}
	if r.Status != StatusActive {
		t.Fatalf("status = %q, want %q", r.Status, StatusActive)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	m.Touch(r.ID)
	m.End(r.ID)
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after End = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	r := m.Create("A")

	var expired *Record
	done := make(chan struct{})
	m.SetExpireHook(func(rec *Record) {
		expired = rec
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expire hook never fired")
	}
	if expired == nil || expired.ID != r.ID {
		t.Fatalf("expired record = %+v, want ID %q", expired, r.ID)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
