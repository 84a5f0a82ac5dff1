package liveness

import (
	"testing"
	"time"
)

func TestOnline(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	window := 20 * time.Second

	tests := []struct {
		name   string
		lastTS int64
		want   bool
	}{
		{"never received", 0, false},
		{"negative timestamp", -5, false},
		{"just pushed", now.Unix(), true},
		{"well within window", now.Unix() - 5, true},
		{"exactly at window boundary is online", now.Unix() - 20, true},
		{"one second past window", now.Unix() - 21, false},
		{"long dead", now.Unix() - 3600, false},
		{"timestamp slightly in the future", now.Unix() + 2, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Online(tc.lastTS, now, window); got != tc.want {
				t.Fatalf("Online(%d, now, 20s) = %v, want %v", tc.lastTS, got, tc.want)
			}
		})
	}
}
