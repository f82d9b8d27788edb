package jobqueue

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"fixed", Backoff{Strategy: "fixed", Initial: 5 * time.Second}, 4, 5 * time.Second},
		{"exponential first", Backoff{Strategy: "exponential", Initial: time.Second, Max: time.Minute}, 1, time.Second},
		{"exponential third", Backoff{Strategy: "exponential", Initial: time.Second, Max: time.Minute}, 3, 4 * time.Second},
		{"exponential capped", Backoff{Strategy: "exponential", Initial: time.Second, Max: time.Minute}, 20, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.backoff.Delay(tc.attempt); got != tc.want {
				t.Fatalf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Strategy: "exponential", Initial: time.Second, Max: time.Minute, Jitter: true}
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		if d < 2*time.Second || d >= 4*time.Second {
			t.Fatalf("jittered delay %s outside [2s, 4s)", d)
		}
	}
}
