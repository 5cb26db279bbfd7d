// Package feed はフィードの取得・ページネーション・状態管理を提供する。
// 複数のフィード取得元のカーソルを管理し、アクティブな取得元の
// 「現在の投稿一覧」をスナップショットとしてUIへ配信する。
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/mogusync/internal/loadstate"
	"github.com/hitoshi/mogusync/internal/metrics"
	"github.com/hitoshi/mogusync/internal/model"
	"github.com/hitoshi/mogusync/internal/security"
	"github.com/hitoshi/mogusync/internal/session"
	"github.com/hitoshi/mogusync/internal/store"
)

// API はフィードAPIのインターフェース。
type API interface {
	// FetchFriendsFeed はフォロー中ユーザーのフィードを1ページ取得する。
	FetchFriendsFeed(ctx context.Context, cursor string, limit int) (*model.FeedPage, error)
	// FetchPersonalizedFeed は位置情報を加味したフィードを1ページ取得する。
	FetchPersonalizedFeed(ctx context.Context, userID string, loc model.Location, cursor string, limit int) (*model.FeedPage, error)
	// FetchDiscoveryFeed は発見フィードを1ページ取得する。locはnil可（位置情報なし）。
	FetchDiscoveryFeed(ctx context.Context, cursor string, limit int, loc *model.Location) (*model.FeedPage, error)
}

// LocationProvider は現在位置の取得インターフェース。ベストエフォートで動作する。
type LocationProvider interface {
	// CurrentLocation は現在位置を返す。取得できない場合はfalse。
	CurrentLocation() (model.Location, bool)
}

// Snapshot はアクティブな取得元の表示用状態のイミュータブルなコピー。
type Snapshot struct {
	Source  model.FeedSource
	Posts   []model.Post
	State   loadstate.State
	Err     error // 先頭ページ取得失敗の原因。failed状態以外ではnil
	PageErr error // 追加ページ取得失敗の原因。一覧は維持されたままインライン表示される
	HasMore bool
}

// sourceState は取得元ごとのページネーション状態。
// カーソルは取得元ごとに単調で、他の取得元の操作に影響されない。
type sourceState struct {
	posts         []model.Post
	cursor        string
	hasMore       bool
	lastFetchedAt time.Time
	machine       *loadstate.Machine
	pageErr       error

	// 進行中リクエストの世代。追い越されたリクエストの結果は適用しない
	gen    int
	cancel context.CancelFunc
}

// Orchestrator はフィードのページネーションとフォールバックを司る。
// 投稿コレクションはOrchestratorが排他的に所有し、
// 外部はスナップショットの読み取りと定義された操作のみを行う。
type Orchestrator struct {
	api       API
	sessions  session.Provider
	location  LocationProvider
	sanitizer security.ContentSanitizerService
	metrics   metrics.SyncMetricsCollector
	logger    *slog.Logger

	pageSize   int
	staleAfter time.Duration

	feedStore *store.Store[Snapshot]

	// pubMu はスナップショットの構築から配信までを直列化する
	pubMu sync.Mutex

	mu      sync.Mutex
	active  model.FeedSource
	sources map[model.FeedSource]*sourceState
}

// Options はOrchestratorの動作設定。
type Options struct {
	PageSize   int           // 1ページの投稿数。0以下の場合は20
	StaleAfter time.Duration // 取得元が陳腐化するまでの時間。0以下の場合は5分
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// 初期のアクティブ取得元はfriends。
func NewOrchestrator(
	api API,
	sessions session.Provider,
	location LocationProvider,
	sanitizer security.ContentSanitizerService,
	collector metrics.SyncMetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}

	sources := make(map[model.FeedSource]*sourceState, len(model.ValidFeedSources))
	for src := range model.ValidFeedSources {
		sources[src] = &sourceState{machine: loadstate.NewMachine()}
	}

	return &Orchestrator{
		api:        api,
		sessions:   sessions,
		location:   location,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		pageSize:   opts.PageSize,
		staleAfter: opts.StaleAfter,
		feedStore:  store.New[Snapshot](),
		active:     model.FeedSourceFriends,
		sources:    sources,
	}
}

// Store はスナップショット配信ストアを返す。UIはこれを購読する。
func (o *Orchestrator) Store() *store.Store[Snapshot] {
	return o.feedStore
}

// Active は現在アクティブな取得元を返す。
func (o *Orchestrator) Active() model.FeedSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// IsStale は取得元が陳腐化しているか（最終取得から5分超過または未取得）を返す。
// 呼び出し元は画面再表示時にキャッシュを使うか再取得するかの判断に使う。
func (o *Orchestrator) IsStale(src model.FeedSource) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sources[src]
	if !ok {
		return true
	}
	return st.lastFetchedAt.IsZero() || time.Since(st.lastFetchedAt) > o.staleAfter
}

// LoadFirstPage は取得元のカーソルをリセットして先頭ページを取得する。
// 進行中の同一取得元のリクエストはキャンセルされ、その結果は破棄される。
// 失敗時はfailed状態になるが、既存の投稿一覧は保持される。
func (o *Orchestrator) LoadFirstPage(ctx context.Context, src model.FeedSource) error {
	return o.loadReplacing(ctx, src, loadstate.StateLoading)
}

// Refresh はプルリフレッシュとして先頭ページを取得し直す。
// 取得中も既存の投稿一覧は表示されたまま維持される。
func (o *Orchestrator) Refresh(ctx context.Context, src model.FeedSource) error {
	return o.loadReplacing(ctx, src, loadstate.StateRefreshing)
}

// loadReplacing は一覧置き換え型の取得（先頭ページ/リフレッシュ）を実行する。
func (o *Orchestrator) loadReplacing(ctx context.Context, src model.FeedSource, mode loadstate.State) error {
	if !model.ValidFeedSources[src] {
		return model.NewInvalidFeedSourceError(string(src))
	}

	o.mu.Lock()
	st := o.sources[src]

	// 同一取得元の進行中リクエストを追い越す
	o.supersedeLocked(st)
	st.machine.Reset()

	switch mode {
	case loadstate.StateRefreshing:
		st.machine.BeginRefreshing()
	default:
		st.machine.BeginLoading()
		st.cursor = ""
	}
	st.pageErr = nil

	gen := st.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	o.mu.Unlock()

	o.publish(src)

	page, err := o.fetchPage(fetchCtx, src, "")

	o.mu.Lock()
	if st.gen != gen {
		// 追い越されたリクエストの結果は適用しない
		o.mu.Unlock()
		return model.NewCancelledError()
	}
	st.cancel = nil

	if err != nil {
		if model.IsCancelled(err) {
			st.machine.Reset()
			o.mu.Unlock()
			return model.NewCancelledError()
		}
		st.machine.Fail(err)
		o.mu.Unlock()
		o.publish(src)
		o.logger.Warn("先頭ページの取得に失敗しました",
			slog.String("source", string(src)),
			slog.String("error", err.Error()),
		)
		return err
	}

	st.posts = o.sanitizePosts(page.Posts)
	st.cursor = page.NextCursor
	st.hasMore = page.HasMore
	st.lastFetchedAt = time.Now()
	st.machine.Finish()
	o.mu.Unlock()

	o.publish(src)
	return nil
}

// LoadNextPage は保存済みカーソルで次ページを取得し、一覧へ追記する。
// hasMoreがfalse、または取得が進行中の場合は何もしない。
// 失敗時は一覧を維持したままインラインエラーとして公開する。
func (o *Orchestrator) LoadNextPage(ctx context.Context, src model.FeedSource) error {
	if !model.ValidFeedSources[src] {
		return model.NewInvalidFeedSourceError(string(src))
	}

	o.mu.Lock()
	st := o.sources[src]

	if !st.hasMore || !st.machine.BeginLoadingMore() {
		o.mu.Unlock()
		return nil
	}
	st.pageErr = nil

	cursor := st.cursor
	gen := st.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	o.mu.Unlock()

	o.publish(src)

	page, err := o.fetchPage(fetchCtx, src, cursor)

	o.mu.Lock()
	if st.gen != gen {
		o.mu.Unlock()
		return model.NewCancelledError()
	}
	st.cancel = nil

	if err != nil {
		if model.IsCancelled(err) {
			st.machine.Reset()
			o.mu.Unlock()
			return model.NewCancelledError()
		}
		// 一覧はそのまま、インラインで再試行可能なエラーとして公開する
		st.machine.Finish()
		st.pageErr = err
		o.mu.Unlock()
		o.publish(src)
		return err
	}

	st.posts = append(st.posts, o.sanitizePosts(page.Posts)...)
	st.cursor = page.NextCursor
	st.hasMore = page.HasMore
	st.lastFetchedAt = time.Now()
	st.machine.Finish()
	o.mu.Unlock()

	o.publish(src)
	return nil
}

// SwitchSource はアクティブな取得元を切り替える。
// 切り替え前の取得元の進行中リクエストはキャンセルされる。
// 切り替え先にキャッシュ済み投稿がない場合は先頭ページを取得する。
func (o *Orchestrator) SwitchSource(ctx context.Context, src model.FeedSource) error {
	if !model.ValidFeedSources[src] {
		return model.NewInvalidFeedSourceError(string(src))
	}

	o.mu.Lock()
	if o.active == src {
		o.mu.Unlock()
		return nil
	}

	prev := o.sources[o.active]
	o.supersedeLocked(prev)
	prev.machine.Reset()

	o.active = src
	hasPosts := len(o.sources[src].posts) > 0
	o.mu.Unlock()

	o.publish(src)

	if !hasPosts {
		return o.LoadFirstPage(ctx, src)
	}
	return nil
}

// Clear は全取得元の投稿・カーソル・進行中リクエストを破棄する。
// ログアウト時に使用する。
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	for _, st := range o.sources {
		o.supersedeLocked(st)
		st.posts = nil
		st.cursor = ""
		st.hasMore = false
		st.lastFetchedAt = time.Time{}
		st.pageErr = nil
		st.machine.Reset()
	}
	o.active = model.FeedSourceFriends
	o.mu.Unlock()

	o.publish(model.FeedSourceFriends)
}

// HandleForeground はフォアグラウンド復帰時の処理を行う。
// アクティブな取得元が陳腐化している場合のみリフレッシュする。
func (o *Orchestrator) HandleForeground(ctx context.Context) {
	src := o.Active()
	if !o.IsStale(src) {
		return
	}
	if err := o.Refresh(ctx, src); err != nil && !model.IsCancelled(err) {
		o.logger.Warn("フォアグラウンド復帰時のリフレッシュに失敗しました",
			slog.String("source", string(src)),
			slog.String("error", err.Error()),
		)
	}
}

// PostByID は投稿IDで投稿を検索し、コピーを返す。
func (o *Orchestrator) PostByID(postID string) (model.Post, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, st := range o.sources {
		for _, p := range st.posts {
			if p.ID == postID {
				return p, true
			}
		}
	}
	return model.Post{}, false
}

// UpdatePost は全取得元で同一IDの投稿を置き換える。
// ミューテーション適用経路として使用され、アクティブな取得元が影響を受けた場合は再公開する。
func (o *Orchestrator) UpdatePost(post model.Post) {
	o.mu.Lock()
	active := o.active
	activeAffected := false
	for src, st := range o.sources {
		for i := range st.posts {
			if st.posts[i].ID == post.ID {
				st.posts[i] = post
				if src == active {
					activeAffected = true
				}
			}
		}
	}
	o.mu.Unlock()

	if activeAffected {
		o.publish(active)
	}
}

// supersedeLocked は進行中リクエストを追い越す。呼び出し元でロックを保持していること。
func (o *Orchestrator) supersedeLocked(st *sourceState) {
	st.gen++
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
}

// publish は取得元srcのスナップショットを配信する。
// srcがアクティブでない場合は何も公開しない。バックグラウンドで取得された
// 結果は取得元の切り替え時に公開される。
// スナップショットの構築と配信はpubMuで直列化し、並行して決着した操作が
// 古いスナップショットを最新として残さないようにする。
func (o *Orchestrator) publish(src model.FeedSource) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	if src != o.active {
		o.mu.Unlock()
		return
	}
	st := o.sources[src]
	snap := Snapshot{
		Source:  src,
		Posts:   append([]model.Post(nil), st.posts...),
		State:   st.machine.Current(),
		Err:     st.machine.Err(),
		PageErr: st.pageErr,
		HasMore: st.hasMore,
	}
	o.mu.Unlock()

	o.feedStore.Publish(snap)
}

// sanitizePosts は投稿キャプションをサニタイズして返す。
func (o *Orchestrator) sanitizePosts(posts []model.Post) []model.Post {
	out := make([]model.Post, len(posts))
	for i, p := range posts {
		p.Caption = o.sanitizer.SanitizeCaption(p.Caption)
		out[i] = p
	}
	return out
}

// fetchPage は取得元に応じたAPI呼び出しを行い、メトリクスを記録する。
func (o *Orchestrator) fetchPage(ctx context.Context, src model.FeedSource, cursor string) (*model.FeedPage, error) {
	start := time.Now()
	page, err := o.fetchBySource(ctx, src, cursor)
	o.metrics.RecordPageFetchLatency(string(src), time.Since(start))

	if err != nil {
		code := model.ErrCodeTransientNetwork
		var se *model.SyncError
		if errors.As(err, &se) {
			code = se.Code
		}
		o.metrics.RecordPageFetchFailure(string(src), code)
		return nil, err
	}

	o.metrics.RecordPageFetchSuccess(string(src))
	return page, nil
}

// fetchBySource は取得元ごとのAPI呼び出しを行う。
// personalizedは前提条件（ユーザーID＋位置情報）が揃わない場合、
// または取得に失敗した場合、同一ページの位置情報なし取得へ1回だけフォールバックする。
func (o *Orchestrator) fetchBySource(ctx context.Context, src model.FeedSource, cursor string) (*model.FeedPage, error) {
	switch src {
	case model.FeedSourceFriends:
		return o.api.FetchFriendsFeed(ctx, cursor, o.pageSize)

	case model.FeedSourceDiscovery:
		var loc *model.Location
		if l, ok := o.location.CurrentLocation(); ok {
			loc = &l
		}
		return o.api.FetchDiscoveryFeed(ctx, cursor, o.pageSize, loc)

	case model.FeedSourcePersonalized:
		userID, hasUser := o.sessions.CurrentUserID()
		loc, hasLoc := o.location.CurrentLocation()

		if hasUser && hasLoc {
			page, err := o.api.FetchPersonalizedFeed(ctx, userID, loc, cursor, o.pageSize)
			if err == nil {
				return page, nil
			}
			if model.IsCancelled(err) {
				return nil, err
			}
			o.logger.Info("パーソナライズフィードの取得に失敗したためフォールバックします",
				slog.String("error", err.Error()),
			)
		}

		o.metrics.RecordFallbackUsed(string(src))
		return o.api.FetchDiscoveryFeed(ctx, cursor, o.pageSize, nil)

	default:
		return nil, model.NewInvalidFeedSourceError(string(src))
	}
}
