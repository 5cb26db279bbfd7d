// Package gateway はバックエンドAPIとの通信層を提供する。
// フィード・ミューテーション用のHTTPクライアントと、
// メッセージング用のWebSocketゲートウェイを含む。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/mogusync/internal/model"
)

// HTTPAPIOptions はHTTPAPIClientの動作設定。
type HTTPAPIOptions struct {
	// RateLimit はバックエンドへの送信レート（req/sec）。0以下の場合は5。
	RateLimit float64
	// RateBurst はバーストサイズ。0以下の場合は10。
	RateBurst int
	// AuthToken は各リクエストのAuthorizationヘッダーに載せるトークンを返す。
	// nilまたは空文字列の場合はヘッダーを付与しない。
	AuthToken func() string
}

// HTTPAPIClient はフィード取得とエンゲージメントミューテーションのHTTPクライアント。
// 全リクエストはクライアント側のレートリミッターを通過してから送信される。
type HTTPAPIClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	limiter    *rate.Limiter
	authToken  func() string
}

// NewHTTPAPIClient はHTTPAPIClient の新しいインスタンスを生成する。
func NewHTTPAPIClient(httpClient *http.Client, logger *slog.Logger, baseURL string, opts HTTPAPIOptions) *HTTPAPIClient {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	return &HTTPAPIClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		authToken:  opts.AuthToken,
	}
}

// feedPageDTO はフィードAPIのレスポンス形式。
type feedPageDTO struct {
	Posts      []postDTO `json:"posts"`
	NextCursor string    `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

type postDTO struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	Caption      string    `json:"caption"`
	MediaURLs    []string  `json:"mediaUrls"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	IsLiked      bool      `json:"isLiked"`
	IsSaved      bool      `json:"isSaved"`
	CreatedAt    time.Time `json:"createdAt"`
}

type likeResponseDTO struct {
	IsLiked   bool `json:"isLiked"`
	LikeCount int  `json:"likeCount"`
}

type bookmarkResponseDTO struct {
	IsSaved bool `json:"isSaved"`
}

// FetchFriendsFeed はフォロー中ユーザーのフィードを1ページ取得する。
func (c *HTTPAPIClient) FetchFriendsFeed(ctx context.Context, cursor string, limit int) (*model.FeedPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	return c.fetchFeedPage(ctx, "/v1/feed/friends", q)
}

// FetchPersonalizedFeed は位置情報を加味したフィードを1ページ取得する。
func (c *HTTPAPIClient) FetchPersonalizedFeed(ctx context.Context, userID string, loc model.Location, cursor string, limit int) (*model.FeedPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("userId", userID)
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	return c.fetchFeedPage(ctx, "/v1/feed/personalized", q)
}

// FetchDiscoveryFeed は発見フィードを1ページ取得する。locはnil可（位置情報なし）。
func (c *HTTPAPIClient) FetchDiscoveryFeed(ctx context.Context, cursor string, limit int, loc *model.Location) (*model.FeedPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	if loc != nil {
		q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	}
	return c.fetchFeedPage(ctx, "/v1/feed/discovery", q)
}

// ToggleLike は投稿のいいね状態をトグルし、サーバー確定の状態とカウントを返す。
func (c *HTTPAPIClient) ToggleLike(ctx context.Context, postID string) (bool, int, error) {
	var result likeResponseDTO
	if err := c.doJSON(ctx, http.MethodPost, "/v1/posts/"+url.PathEscape(postID)+"/like", nil, &result); err != nil {
		return false, 0, err
	}
	return result.IsLiked, result.LikeCount, nil
}

// ToggleBookmark は投稿の保存状態をトグルし、サーバー確定の状態を返す。
func (c *HTTPAPIClient) ToggleBookmark(ctx context.Context, postID string) (bool, error) {
	var result bookmarkResponseDTO
	if err := c.doJSON(ctx, http.MethodPost, "/v1/posts/"+url.PathEscape(postID)+"/bookmark", nil, &result); err != nil {
		return false, err
	}
	return result.IsSaved, nil
}

// fetchFeedPage はフィードエンドポイントを呼び出しページをデコードする。
func (c *HTTPAPIClient) fetchFeedPage(ctx context.Context, path string, q url.Values) (*model.FeedPage, error) {
	var dto feedPageDTO
	if err := c.doJSON(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &dto); err != nil {
		return nil, err
	}

	posts := make([]model.Post, 0, len(dto.Posts))
	for _, p := range dto.Posts {
		posts = append(posts, model.Post{
			ID:           p.ID,
			AuthorID:     p.AuthorID,
			AuthorName:   p.AuthorName,
			Caption:      p.Caption,
			MediaURLs:    p.MediaURLs,
			LikeCount:    p.LikeCount,
			CommentCount: p.CommentCount,
			IsLiked:      p.IsLiked,
			IsSaved:      p.IsSaved,
			CreatedAt:    p.CreatedAt,
		})
	}

	return &model.FeedPage{
		Posts:      posts,
		NextCursor: dto.NextCursor,
		HasMore:    dto.HasMore,
	}, nil
}

// doJSON はレート制限つきでリクエストを実行し、レスポンスJSONをoutへデコードする。
// エラーはすべてSyncErrorに分類して返す。
func (c *HTTPAPIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewCancelledError()
	}

	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != nil {
		if token := c.authToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return model.NewCancelledError()
		}
		c.logger.Warn("APIリクエストに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransientNetworkError(err.Error())
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Warn("APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("APIレスポンスのパースに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewDecodeFailureError(err.Error())
	}
	return nil
}

// classifyStatus はHTTPステータスをエラー分類に対応づける。2xxはnil。
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError()
	case status == http.StatusTooManyRequests || status >= 500:
		return model.NewTransientNetworkError(fmt.Sprintf("APIがステータス %d を返しました", status))
	default:
		return model.NewValidationOrServerError(fmt.Sprintf("APIがステータス %d を返しました", status))
	}
}
