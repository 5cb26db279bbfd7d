package messaging

import "time"

const (
	// initialReconnectDelay は再接続の初回遅延。
	initialReconnectDelay = time.Second
	// maxReconnectDelay は再接続の最大遅延。
	maxReconnectDelay = 30 * time.Second
	// defaultStabilityWindow は接続を「安定」とみなす最小継続時間。
	// これを超えて維持された接続の後は遅延が初回値に戻る。
	defaultStabilityWindow = 30 * time.Second
)

// CalculateBackoff は連続失敗回数に基づいて再接続の遅延を計算する。
// 初回initial、2倍ずつ増加、最大max。
func CalculateBackoff(initial, max time.Duration, consecutiveFailures int) time.Duration {
	delay := initial
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	return delay
}
