// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
)

// SyncError は同期エンジンの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type SyncError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: network, auth, server, decode, cancelled
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTransientNetwork    = "TRANSIENT_NETWORK"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeValidationOrServer  = "VALIDATION_OR_SERVER"
	ErrCodeDecodeFailure       = "DECODE_FAILURE"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInvalidFeedSource   = "INVALID_FEED_SOURCE"
	ErrCodePostNotFound        = "POST_NOT_FOUND"
	ErrCodeChatroomNotFound    = "CHATROOM_NOT_FOUND"
	ErrCodeMessageNotFound     = "MESSAGE_NOT_FOUND"
	ErrCodeMessageNotRetryable = "MESSAGE_NOT_RETRYABLE"
)

// NewTransientNetworkError は一時的なネットワークエラーを生成する。
func NewTransientNetworkError(reason string) *SyncError {
	return &SyncError{
		Code:     ErrCodeTransientNetwork,
		Message:  fmt.Sprintf("通信に失敗しました: %s", reason),
		Category: "network",
		Action:   "通信環境を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
// セッション確立後に発生した場合は自動リトライせず、failed状態として扱う。
func NewUnauthorizedError() *SyncError {
	return &SyncError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewValidationOrServerError はサーバーが返した業務エラーを生成する。
func NewValidationOrServerError(message string) *SyncError {
	return &SyncError{
		Code:     ErrCodeValidationOrServer,
		Message:  message,
		Category: "server",
		Action:   "時間をおいて再度お試しください。",
	}
}

// NewDecodeFailureError はレスポンスのデコード失敗エラーを生成する。
func NewDecodeFailureError(reason string) *SyncError {
	return &SyncError{
		Code:     ErrCodeDecodeFailure,
		Message:  fmt.Sprintf("レスポンスの解析に失敗しました: %s", reason),
		Category: "decode",
		Action:   "アプリを最新バージョンに更新してください。",
	}
}

// NewCancelledError はリクエストの破棄を表すエラーを生成する。
// 後続リクエストに追い越された場合に発生し、ユーザーには表示されない。
func NewCancelledError() *SyncError {
	return &SyncError{
		Code:     ErrCodeCancelled,
		Message:  "リクエストは破棄されました。",
		Category: "cancelled",
		Action:   "",
	}
}

// NewInvalidFeedSourceError は無効なフィード取得元エラーを生成する。
func NewInvalidFeedSourceError(source string) *SyncError {
	return &SyncError{
		Code:     ErrCodeInvalidFeedSource,
		Message:  fmt.Sprintf("無効なフィード取得元です: %s", source),
		Category: "server",
		Action:   "friends、personalized、discovery のいずれかを指定してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *SyncError {
	return &SyncError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "server",
		Action:   "フィードを更新してください。",
	}
}

// NewChatroomNotFoundError はチャットルーム未検出エラーを生成する。
func NewChatroomNotFoundError(chatroomID string) *SyncError {
	return &SyncError{
		Code:     ErrCodeChatroomNotFound,
		Message:  fmt.Sprintf("指定されたチャットルームが見つかりません: %s", chatroomID),
		Category: "server",
		Action:   "チャット一覧を更新してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(localID string) *SyncError {
	return &SyncError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", localID),
		Category: "server",
		Action:   "チャット画面を開き直してください。",
	}
}

// NewMessageNotRetryableError は再送不可能なメッセージへの再送要求エラーを生成する。
func NewMessageNotRetryableError(localID string) *SyncError {
	return &SyncError{
		Code:     ErrCodeMessageNotRetryable,
		Message:  fmt.Sprintf("送信失敗状態ではないメッセージは再送できません: %s", localID),
		Category: "server",
		Action:   "送信に失敗したメッセージのみ再送できます。",
	}
}

// IsCancelled はエラーがリクエスト破棄によるものかを判定する。
// 破棄されたリクエストの結果は適用せず、ユーザーにも表示しない。
func IsCancelled(err error) bool {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsUnauthorized はエラーが認証失敗によるものかを判定する。
func IsUnauthorized(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeUnauthorized
}
