package gateway

import (
	"testing"
	"time"
)

func TestEstimateLabel(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, ""},
		{-time.Minute, ""},
		{30 * time.Second, "about 30 seconds"},
		{59 * time.Second, "about 59 seconds"},
		{time.Minute, "about a minute"},
		{90 * time.Second, "about a minute"},
		{2 * time.Minute, "about 2 minutes"},
		{5 * time.Minute, "about 5 minutes"},
	}
	for _, tt := range tests {
		if got := estimateLabel(tt.d); got != tt.want {
			t.Errorf("estimateLabel(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
