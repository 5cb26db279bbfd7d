// Package mutation は投稿への楽観的ミューテーションを提供する。
// いいね・ブックマークの切り替えをローカルへ即時反映し、
// サーバー応答で確定（サーバーが常に正）、失敗時は正確に元へ戻す。
package mutation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/mogusync/internal/metrics"
	"github.com/hitoshi/mogusync/internal/model"
	"github.com/hitoshi/mogusync/internal/session"
)

// API はミューテーション系APIのインターフェース。
type API interface {
	// ToggleLike はいいねを切り替え、サーバー確定の(isLiked, likeCount)を返す。
	ToggleLike(ctx context.Context, postID string) (isLiked bool, likeCount int, err error)
	// ToggleBookmark はブックマークを切り替え、サーバー確定のisSavedを返す。
	ToggleBookmark(ctx context.Context, postID string) (isSaved bool, err error)
}

// PostStore は投稿コレクションの所有者（フィードオーケストレータ）への窓口。
type PostStore interface {
	// PostByID は投稿のコピーを返す。
	PostByID(postID string) (model.Post, bool)
	// UpdatePost は同一IDの投稿を置き換える。
	UpdatePost(post model.Post)
}

// Notifier は通知ディスパッチャのインターフェース。送りっぱなしで失敗は無視される。
type Notifier interface {
	Notify(userID, kind string, payload map[string]string)
}

// NotifyKindPostLiked は「いいねされた」通知の種別。
const NotifyKindPostLiked = "post_liked"

// Coordinator は楽観的ミューテーションの調整役。
// 同一投稿へのミューテーションは直列化され、先行の決着後に後続が適用される。
type Coordinator struct {
	api      API
	posts    PostStore
	notifier Notifier
	sessions session.Provider
	metrics  metrics.SyncMetricsCollector
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
func NewCoordinator(
	api API,
	posts PostStore,
	notifier Notifier,
	sessions session.Provider,
	collector metrics.SyncMetricsCollector,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		api:      api,
		posts:    posts,
		notifier: notifier,
		sessions: sessions,
		metrics:  collector,
		logger:   logger,
		locks:    make(map[string]chan struct{}),
	}
}

// ToggleLike はいいねを楽観的に切り替える。
// ローカル状態を即時反映してからAPIを呼び、成功時はサーバー確定値で上書き、
// 失敗時はミューテーション直前の値へ正確に戻す。
// false→trueの遷移がサーバーに確定され、かつ自分の投稿でない場合のみ通知を発火する。
func (c *Coordinator) ToggleLike(ctx context.Context, postID string) error {
	release, err := c.acquire(ctx, postID)
	if err != nil {
		return err
	}
	defer release()

	post, ok := c.posts.PostByID(postID)
	if !ok {
		return model.NewPostNotFoundError(postID)
	}
	prevLiked, prevCount := post.IsLiked, post.LikeCount

	// 楽観的適用
	post.IsLiked = !prevLiked
	if post.IsLiked {
		post.LikeCount = prevCount + 1
	} else {
		post.LikeCount = prevCount - 1
		if post.LikeCount < 0 {
			post.LikeCount = 0
		}
	}
	c.posts.UpdatePost(post)

	liked, count, err := c.api.ToggleLike(ctx, postID)
	if err != nil {
		c.rollbackLike(postID, prevLiked, prevCount)
		c.metrics.RecordMutationRollback("like")
		if model.IsCancelled(err) {
			return model.NewCancelledError()
		}
		c.logger.Warn("いいねの切り替えに失敗したためロールバックしました",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		return err
	}

	// サーバーが正。他所からの並行いいねと競合した場合もここで収束する
	if cur, ok := c.posts.PostByID(postID); ok {
		cur.IsLiked = liked
		cur.LikeCount = count
		c.posts.UpdatePost(cur)
	}

	if !prevLiked && liked {
		c.notifyLiked(post)
	}
	return nil
}

// ToggleBookmark はブックマークを楽観的に切り替える。
// 通知の副作用を除き、ToggleLikeと同じ楽観的適用・ロールバック規律に従う。
func (c *Coordinator) ToggleBookmark(ctx context.Context, postID string) error {
	release, err := c.acquire(ctx, postID)
	if err != nil {
		return err
	}
	defer release()

	post, ok := c.posts.PostByID(postID)
	if !ok {
		return model.NewPostNotFoundError(postID)
	}
	prevSaved := post.IsSaved

	post.IsSaved = !prevSaved
	c.posts.UpdatePost(post)

	saved, err := c.api.ToggleBookmark(ctx, postID)
	if err != nil {
		if cur, ok := c.posts.PostByID(postID); ok {
			cur.IsSaved = prevSaved
			c.posts.UpdatePost(cur)
		}
		c.metrics.RecordMutationRollback("bookmark")
		if model.IsCancelled(err) {
			return model.NewCancelledError()
		}
		c.logger.Warn("ブックマークの切り替えに失敗したためロールバックしました",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if cur, ok := c.posts.PostByID(postID); ok {
		cur.IsSaved = saved
		c.posts.UpdatePost(cur)
	}
	return nil
}

// rollbackLike はいいねのローカル状態をミューテーション直前の値へ戻す。
func (c *Coordinator) rollbackLike(postID string, prevLiked bool, prevCount int) {
	cur, ok := c.posts.PostByID(postID)
	if !ok {
		return
	}
	cur.IsLiked = prevLiked
	cur.LikeCount = prevCount
	c.posts.UpdatePost(cur)
}

// notifyLiked は投稿者への「いいねされた」通知を送りっぱなしで発火する。
// 自分の投稿には通知しない。
func (c *Coordinator) notifyLiked(post model.Post) {
	userID, ok := c.sessions.CurrentUserID()
	if !ok || post.AuthorID == userID {
		return
	}
	go c.notifier.Notify(post.AuthorID, NotifyKindPostLiked, map[string]string{
		"post_id":  post.ID,
		"liked_by": userID,
	})
}

// acquire は投稿ごとのセマフォを獲得する。
// 同一投稿への後続ミューテーションは先行の決着を待つ（ロストアップデート防止）。
func (c *Coordinator) acquire(ctx context.Context, postID string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.locks[postID]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[postID] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, model.NewCancelledError()
	}
}
