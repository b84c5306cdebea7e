package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	base := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0}

	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		want        time.Duration
	}{
		{name: "first attempt", policy: base, attempt: 1, randomValue: 0.5, want: 100 * time.Millisecond},
		{name: "second attempt doubles", policy: base, attempt: 2, randomValue: 0.5, want: 200 * time.Millisecond},
		{name: "attempt 0 treated as 1", policy: base, attempt: 0, randomValue: 0.5, want: 100 * time.Millisecond},
		{name: "negative attempt treated as 1", policy: base, attempt: -5, randomValue: 0.5, want: 100 * time.Millisecond},
		{
			name:    "clamped to max",
			policy:  Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0},
			attempt: 10, randomValue: 0.5,
			want: 500 * time.Millisecond,
		},
		{
			// base 100 plus jitter 100*0.1*1.0.
			name:    "full jitter draw",
			policy:  Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.1},
			attempt: 1, randomValue: 1.0,
			want: 110 * time.Millisecond,
		},
		{
			// base 100, jitter 50, clamped from 150.
			name:    "jitter clamped to max",
			policy:  Policy{InitialMs: 100, MaxMs: 105, Factor: 1, Jitter: 0.5},
			attempt: 1, randomValue: 1.0,
			want: 105 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue); got != tt.want {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconnectSchedule(t *testing.T) {
	// 2s doubling per attempt, capped at 60s.
	policy := ReconnectPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := ComputeWithRand(policy, tt.attempt, 0); got != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeJitterRange(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.2}

	// Attempt 1: base 100ms, jitter up to 20ms.
	for i := 0; i < 100; i++ {
		got := Compute(policy, 1)
		if got < 100*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("Compute() = %v, want within [100ms, 120ms]", got)
		}
	}
}
