package messaging

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32秒は上限でクリップされる
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		got := CalculateBackoff(time.Second, 30*time.Second, tt.failures)
		if got != tt.want {
			t.Errorf("CalculateBackoff(1s, 30s, %d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
