// Package app はアプリケーションの組み立てを行う。
// 設定の読み込み、全コンポーネントのワイヤリング、
// ライフサイクルイベントの配線、デバッグサーバーの起動を含む。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/mogusync/internal/config"
	"github.com/hitoshi/mogusync/internal/feed"
	"github.com/hitoshi/mogusync/internal/gateway"
	"github.com/hitoshi/mogusync/internal/lifecycle"
	"github.com/hitoshi/mogusync/internal/logger"
	"github.com/hitoshi/mogusync/internal/messaging"
	"github.com/hitoshi/mogusync/internal/metrics"
	"github.com/hitoshi/mogusync/internal/model"
	"github.com/hitoshi/mogusync/internal/mutation"
	"github.com/hitoshi/mogusync/internal/security"
	"github.com/hitoshi/mogusync/internal/session"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Engine は同期エンジンの全コンポーネントを束ねる。
// ホストアプリはBuildで組み立て、公開フィールド経由で各操作を呼び出す。
type Engine struct {
	Config    *config.Config
	Session   *SessionState
	Location  *LocationState
	Lifecycle *lifecycle.Notifier

	Feeds     *feed.Orchestrator
	Debouncer *feed.ScrollDebouncer
	Mutations *mutation.Coordinator
	Chat      *messaging.Synchronizer

	gate       *session.Gate
	registry   *prometheus.Registry
	logger     *slog.Logger
	loadCancel context.CancelFunc
}

// Build は全依存関係をワイヤリングしたEngineを生成する。
func Build(cfg *config.Config) *Engine {
	log := slog.Default()

	sessionState := NewSessionState()
	locationState := NewLocationState()
	lifecycleNotifier := lifecycle.NewNotifier()

	// メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// セキュリティサービス
	sanitizer := security.NewContentSanitizer()

	// ゲートウェイ
	apiClient := gateway.NewHTTPAPIClient(
		&http.Client{Timeout: 15 * time.Second},
		log,
		cfg.APIBaseURL,
		gateway.HTTPAPIOptions{
			RateLimit: cfg.APIRateLimit,
			RateBurst: cfg.APIRateBurst,
			AuthToken: sessionState.AuthToken,
		},
	)
	wsGateway := gateway.NewWSGateway(apiClient, log, cfg.WebSocketURL, sessionState.AuthToken)
	notifier := gateway.NewHTTPNotifier(apiClient, log)

	// セッションゲート
	gate := session.NewGate(sessionState, log, cfg.SessionMaxRetries, cfg.SessionRetryBase)

	// フィードオーケストレータ
	feeds := feed.NewOrchestrator(
		apiClient, sessionState, locationState, sanitizer, collector, log,
		feed.Options{
			PageSize:   cfg.FeedPageSize,
			StaleAfter: cfg.FeedStaleAfter,
		},
	)

	// スクロールデバウンサ（末尾ページ取得のトリガー）。
	// トリガーの取得はエンジンの停止で打ち切られる
	loadCtx, loadCancel := context.WithCancel(context.Background())
	debouncer := feed.NewScrollDebouncer(cfg.ScrollDebounce, func() {
		if err := feeds.LoadNextPage(loadCtx, feeds.Active()); err != nil && !model.IsCancelled(err) {
			log.Warn("追加ページの取得に失敗しました", slog.String("error", err.Error()))
		}
	}, collector)

	// ミューテーションコーディネータ
	mutations := mutation.NewCoordinator(apiClient, feeds, notifier, sessionState, collector, log)

	// メッセージングシンクロナイザ
	chat := messaging.NewSynchronizer(wsGateway, sessionState, sanitizer, collector, log,
		messaging.Options{
			ReconnectInitialDelay: cfg.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
			StabilityWindow:       cfg.StabilityWindow,
			TypingInactivity:      cfg.TypingInactivity,
		},
	)

	return &Engine{
		Config:     cfg,
		Session:    sessionState,
		Location:   locationState,
		Lifecycle:  lifecycleNotifier,
		Feeds:      feeds,
		Debouncer:  debouncer,
		Mutations:  mutations,
		Chat:       chat,
		gate:       gate,
		registry:   registry,
		logger:     log,
		loadCancel: loadCancel,
	}
}

// Start はバックグラウンド処理を起動する。コンテキストのキャンセルで停止する。
// メッセージング接続ループ、ライフサイクルイベントの配線、
// セッション確立待ちの初回フィード取得を開始する。
func (e *Engine) Start(ctx context.Context) {
	// デバウンス済みのページ取得も起動コンテキストの停止に追従させる
	context.AfterFunc(ctx, e.loadCancel)

	// メッセージング接続ループ
	go e.Chat.Run(ctx)

	// ライフサイクルイベントの配線
	phases, unsubscribe := e.Lifecycle.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case phase, ok := <-phases:
				if !ok {
					return
				}
				e.handlePhase(ctx, phase)
			}
		}
	}()

	// セッション確立を待って初回フィードを取得する
	e.gate.EnsureSessionThen(ctx, func(ctx context.Context) {
		if err := e.Feeds.LoadFirstPage(ctx, e.Feeds.Active()); err != nil && !model.IsCancelled(err) {
			e.logger.Warn("初回フィードの取得に失敗しました", slog.String("error", err.Error()))
		}
	})
}

// handlePhase はライフサイクル遷移を各コンポーネントへ伝播する。
func (e *Engine) handlePhase(ctx context.Context, phase lifecycle.Phase) {
	switch phase {
	case lifecycle.PhaseForeground:
		e.logger.Info("フォアグラウンドへ復帰しました")
		e.Chat.HandleForeground()
		e.Feeds.HandleForeground(ctx)
	case lifecycle.PhaseBackground:
		e.logger.Info("バックグラウンドへ遷移しました")
		e.Chat.HandleBackground()
	}
}

// Close はバックグラウンドリソースを解放する。
func (e *Engine) Close() {
	e.loadCancel()
	e.Debouncer.Close()
	e.gate.Close()
}

// newDebugRouter はデバッグサーバーのルーティングを構成したchi.Routerを返す。
func (e *Engine) newDebugRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(e.registry))

	return r
}

// Run はアプリケーションのメインエントリーポイント。
// エンジンを組み立ててバックグラウンド処理とデバッグサーバーを起動し、
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func Run(w io.Writer) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting sync engine",
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("debug_port", cfg.DebugServerPort),
	)

	engine := Build(cfg)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)

	// デバッグサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.DebugServerPort,
		Handler:      engine.newDebugRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("debug server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("debug server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down sync engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("debug server shutdown failed: %w", err)
	}

	slog.Info("sync engine stopped gracefully")
	return nil
}
