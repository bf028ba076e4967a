package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "expires in 10 minutes", expiresAt: now.Add(10 * time.Minute), want: false},
		{name: "expires in 1ns", expiresAt: now.Add(time.Nanosecond), want: false},
		{name: "expires exactly now", expiresAt: now, want: true},
		{name: "expired 1 second ago", expiresAt: now.Add(-time.Second), want: true},
		{name: "zero time never expires", expiresAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(now, tt.expiresAt); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{name: "one hour", expiresAt: now.Add(time.Hour), want: time.Hour},
		{name: "fraction rounds down", expiresAt: now.Add(1500 * time.Millisecond), want: time.Second},
		{name: "expired", expiresAt: now.Add(-time.Minute), want: 0},
		{name: "zero", expiresAt: time.Time{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Remaining(now, tt.expiresAt); got != tt.want {
				t.Errorf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}
