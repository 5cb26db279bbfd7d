// Package model はドメインモデルを定義する。
package model

import "time"

// Post はフィードに表示される投稿を表す。
// エンゲージメントカウンタとユーザーごとのフラグは
// MutationCoordinator経由、またはフィード全体の再取得でのみ変更される。
type Post struct {
	ID           string // サーバー採番の投稿ID
	LocalID      string // クライアント内で一意なローカルID
	AuthorID     string
	AuthorName   string
	Caption      string // サニタイズ済みHTML
	MediaURLs    []string
	LikeCount    int
	CommentCount int
	IsLiked      bool
	IsSaved      bool
	CreatedAt    time.Time
}

// FeedSource はフィードの取得元を表す。
type FeedSource string

const (
	// FeedSourceFriends はフォロー中ユーザーのフィード。
	FeedSourceFriends FeedSource = "friends"
	// FeedSourcePersonalized は位置情報を加味したパーソナライズフィード。
	FeedSourcePersonalized FeedSource = "personalized"
	// FeedSourceDiscovery は発見タブ用のフィード。
	FeedSourceDiscovery FeedSource = "discovery"
)

// ValidFeedSources は有効なフィード取得元のセット。
var ValidFeedSources = map[FeedSource]bool{
	FeedSourceFriends:      true,
	FeedSourcePersonalized: true,
	FeedSourceDiscovery:    true,
}

// FeedPage はフィードAPIが返す1ページ分の投稿を表す。
// NextCursorは不透明なトークンで、空文字列はページングの終端を意味する。
type FeedPage struct {
	Posts      []Post
	NextCursor string
	HasMore    bool
}

// Location は緯度経度のペアを表す。
type Location struct {
	Lat float64
	Lon float64
}
