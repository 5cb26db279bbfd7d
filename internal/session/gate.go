// Package session は認証セッションの準備待ちを提供する。
// アプリ起動直後はIDプロバイダの初期化が非同期に走るため、
// 認証必須のAPI呼び出しを準備完了までゲートして無用な認証エラーを防ぐ。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Provider は外部の認証セッション提供者のインターフェース。
type Provider interface {
	// IsSessionReady は認証済みアイデンティティが利用可能かを返す。
	IsSessionReady() bool
	// CurrentUserID は現在のユーザーIDを返す。未認証の場合はfalse。
	CurrentUserID() (string, bool)
}

const (
	// defaultMaxRetries はセッション準備待ちの最大試行回数。
	defaultMaxRetries = 5
	// defaultRetryBase は試行間隔の基準遅延。attempt回目の待ちは baseDelay×attempt。
	defaultRetryBase = 200 * time.Millisecond
)

// Gate はセッション準備待ちのゲート。
// 準備待ちは同時に1つだけ保持し、新しい待ちを開始すると前の待ちは破棄される。
// 最終試行では準備未完了でもアクションを実行する（認証可否の最終判断はバックエンドが行う）。
type Gate struct {
	provider   Provider
	logger     *slog.Logger
	maxRetries int
	retryBase  time.Duration

	mu         sync.Mutex
	cancelWait context.CancelFunc
}

// NewGate はGateの新しいインスタンスを生成する。
// maxRetriesが0以下の場合はデフォルト値5、retryBaseが0以下の場合は200msを使用する。
func NewGate(provider Provider, logger *slog.Logger, maxRetries int, retryBase time.Duration) *Gate {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &Gate{
		provider:   provider,
		logger:     logger,
		maxRetries: maxRetries,
		retryBase:  retryBase,
	}
}

// EnsureSessionThen はセッション準備完了後にactionを1回実行する。
// 即座に準備できている場合は同期的に実行する。
// 未準備の場合は retryBase×attempt (attempt=1..maxRetries) の間隔で再確認し、
// 最終試行では準備未完了でもactionを実行する。
// 新しい呼び出しは進行中の待ちをキャンセルする（破棄された待ちのactionは実行されない）。
func (g *Gate) EnsureSessionThen(ctx context.Context, action func(ctx context.Context)) {
	if g.provider.IsSessionReady() {
		g.cancelOutstanding()
		action(ctx)
		return
	}

	waitCtx := g.replaceWait(ctx)

	go g.waitLoop(waitCtx, action)
}

// Close は進行中のセッション準備待ちをキャンセルする。
func (g *Gate) Close() {
	g.cancelOutstanding()
}

// replaceWait は前の待ちをキャンセルし、新しい待ちコンテキストを登録して返す。
func (g *Gate) replaceWait(ctx context.Context) context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelWait != nil {
		g.cancelWait()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	g.cancelWait = cancel
	return waitCtx
}

func (g *Gate) cancelOutstanding() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelWait != nil {
		g.cancelWait()
		g.cancelWait = nil
	}
}

// waitLoop はセッション準備をポーリングし、準備完了または最終試行でactionを実行する。
// 待ち時間の合計は retryBase×(1+2+...+maxRetries)（デフォルト約3秒）で必ず終了する。
func (g *Gate) waitLoop(ctx context.Context, action func(ctx context.Context)) {
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		timer := time.NewTimer(g.retryBase * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			g.logger.Debug("セッション準備待ちを破棄しました",
				slog.Int("attempt", attempt),
			)
			return
		case <-timer.C:
		}

		if g.provider.IsSessionReady() {
			g.logger.Debug("セッションの準備が完了しました",
				slog.Int("attempt", attempt),
			)
			action(ctx)
			return
		}

		if attempt == g.maxRetries {
			// バックエンドが認証可否の最終判断を行うため、未準備でも実行する
			g.logger.Warn("セッション準備待ちが上限に達したため、未準備のまま実行します",
				slog.Int("max_retries", g.maxRetries),
			)
			action(ctx)
			return
		}
	}
}
