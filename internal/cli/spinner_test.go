package cli

import (
	"context"
	"testing"
	"time"
)

func TestSpinnerStartStop(t *testing.T) {
	s := newSpinner("working")
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}

func TestSpinnerUpdateMessage(t *testing.T) {
	s := newSpinner("Rendering 0/100")
	s.Start()

	s.UpdateMessage("Rendering 50/100")
	s.UpdateMessage("Done")
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.message != "Done" {
		t.Errorf("message = %q, want %q", s.message, "Done")
	}
	if s.width < len("Rendering 50/100") {
		t.Errorf("width = %d, want at least the widest message drawn", s.width)
	}
}

func TestSpinnerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSpinnerWithContext(ctx, "working")
	s.Start()

	cancel()
	time.Sleep(10 * time.Millisecond)

	if !s.Cancelled() {
		t.Error("Cancelled() = false after context cancellation")
	}
	s.Stop()
}
