package feed

import (
	"sync"
	"time"

	"github.com/hitoshi/mogusync/internal/metrics"
)

const (
	// defaultDebounceWindow はスクロールトリガーのデバウンス窓。
	defaultDebounceWindow = 300 * time.Millisecond
	// minLookahead は短い一覧での先読み開始位置（末尾からの投稿数）。
	minLookahead = 3
	// consumedRatio は先読みを開始する一覧の消費割合。
	consumedRatio = 0.7
)

// ScrollDebouncer は「投稿Pまでスクロールした」イベント列を
// 1デバウンス窓あたり最大1回の次ページ取得トリガーへ変換する。
// 窓の中に届いたイベントは最新の1件に合流される。
type ScrollDebouncer struct {
	window  time.Duration
	trigger func()
	metrics metrics.SyncMetricsCollector

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewScrollDebouncer はScrollDebouncerの新しいインスタンスを生成する。
// windowが0以下の場合は300msを使用する。triggerは窓の満了時に1回呼ばれる。
func NewScrollDebouncer(window time.Duration, trigger func(), collector metrics.SyncMetricsCollector) *ScrollDebouncer {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &ScrollDebouncer{
		window:  window,
		trigger: trigger,
		metrics: collector,
	}
}

// ShouldTrigger はスクロール位置が先読み閾値に達しているかを判定する。
// 一覧の約70%を消費した時点（短い一覧では末尾3件前）で次ページ取得を開始する。
func ShouldTrigger(index, count int) bool {
	if count <= 0 || index < 0 {
		return false
	}
	threshold := int(consumedRatio * float64(count))
	if count-minLookahead < threshold {
		threshold = count - minLookahead
	}
	if threshold < 0 {
		threshold = 0
	}
	return index >= threshold
}

// OnScrolledTo はスクロール位置イベントを受け付ける。
// indexは表示された投稿の位置、countは現在読み込み済みの投稿数。
// 閾値未満のイベントは無視される。閾値以上のイベントはデバウンス窓で合流され、
// 窓の満了時にトリガーが1回だけ呼ばれる。
func (d *ScrollDebouncer) OnScrolledTo(index, count int) {
	if !ShouldTrigger(index, count) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if d.timer != nil {
		// 窓の中のイベントは最新の1件に合流する
		d.metrics.RecordDebounceSuppressed()
		return
	}

	d.timer = time.AfterFunc(d.window, d.fire)
}

// fire はデバウンス窓の満了時にトリガーを実行する。
func (d *ScrollDebouncer) fire() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.trigger()
}

// Close は保留中のトリガーをキャンセルし、以後のイベントを無視する。
// 画面破棄時のタイマーリークを防ぐ。
func (d *ScrollDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
