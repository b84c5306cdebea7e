package agents

import "testing"

func TestStatusActive(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, true},
		{StatusBlocked, true},
		{StatusCompleted, false},
		{StatusFailed, false},
	}
	for _, tt := range tests {
		if got := tt.status.Active(); got != tt.want {
			t.Errorf("%s.Active() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNewFillsDefaults(t *testing.T) {
	a := New(Config{Topic: "t", Task: "do"})
	if a.ID == "" {
		t.Fatal("New() left ID empty")
	}
	if a.Status() != StatusPending {
		t.Fatalf("status = %s, want pending", a.Status())
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	b := New(Config{ID: "fixed"})
	if b.ID != "fixed" {
		t.Fatalf("ID = %q, want fixed", b.ID)
	}
}

func TestInjectAndDrain(t *testing.T) {
	a := New(Config{})
	a.Inject("first")
	a.Inject("")
	a.Inject("second")

	got := a.drainInjected()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("drainInjected() = %v", got)
	}
	if again := a.drainInjected(); len(again) != 0 {
		t.Fatalf("second drain = %v, want empty", again)
	}
}

func TestResumeOnlyWhileWaiting(t *testing.T) {
	a := New(Config{})
	if a.Resume("early") {
		t.Fatal("Resume() = true with no waiter")
	}

	ch := a.beginWait()
	if a.Status() != StatusBlocked {
		t.Fatalf("status = %s, want blocked during wait", a.Status())
	}
	if !a.Resume("reply") {
		t.Fatal("Resume() = false while waiting")
	}
	if got := <-ch; got != "reply" {
		t.Fatalf("reply = %q", got)
	}

	a.endWait()
	if a.Status() != StatusRunning {
		t.Fatalf("status = %s, want running after wait", a.Status())
	}
	if a.Resume("late") {
		t.Fatal("Resume() = true after endWait")
	}
}
