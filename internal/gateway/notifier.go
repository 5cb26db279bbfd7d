package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// notificationRequestDTO は通知ディスパッチAPIのリクエスト形式。
type notificationRequestDTO struct {
	UserID  string            `json:"userId"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// HTTPNotifier は通知ディスパッチのHTTPクライアント。
// 通知は送りっぱなしで、失敗はログに残すのみ。
type HTTPNotifier struct {
	api     *HTTPAPIClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewHTTPNotifier はHTTPNotifier の新しいインスタンスを生成する。
func NewHTTPNotifier(api *HTTPAPIClient, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		api:     api,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Notify は通知をバックエンドへディスパッチする。
func (n *HTTPNotifier) Notify(userID, kind string, payload map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req := notificationRequestDTO{UserID: userID, Kind: kind, Payload: payload}
	if err := n.api.doJSON(ctx, http.MethodPost, "/v1/notifications", req, nil); err != nil {
		n.logger.Warn("通知のディスパッチに失敗しました",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}
