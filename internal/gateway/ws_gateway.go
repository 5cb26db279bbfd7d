package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/mogusync/internal/model"
)

// ErrNotConnected はWebSocket未接続時のソケット操作で返される。
var ErrNotConnected = errors.New("websocket未接続です")

// messageDTO はメッセージ送信APIのレスポンス形式。
type messageDTO struct {
	ID         string    `json:"id"`
	ChatroomID string    `json:"chatroomId"`
	SenderID   string    `json:"senderId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

type sendMessageRequestDTO struct {
	Text string `json:"text"`
}

// WSGateway はメッセージングチャネルのゲートウェイ。
// イベント受信と入力中通知はWebSocket、メッセージ送信と既読通知は
// HTTP API経由で行う。
type WSGateway struct {
	api    *HTTPAPIClient
	dialer *websocket.Dialer
	logger *slog.Logger
	wsURL  string

	// authToken は接続時のAuthorizationヘッダーに載せるトークンを返す。nil可
	authToken func() string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSGateway はWSGateway の新しいインスタンスを生成する。
// apiはメッセージ送信・既読通知に使用するHTTPクライアント。
func NewWSGateway(api *HTTPAPIClient, logger *slog.Logger, wsURL string, authToken func() string) *WSGateway {
	return &WSGateway{
		api:       api,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
		wsURL:     wsURL,
		authToken: authToken,
	}
}

// Connect はWebSocket接続を確立する。確立済みの場合は張り直す。
func (g *WSGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	g.mu.Unlock()

	header := http.Header{}
	if g.authToken != nil {
		if token := g.authToken(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return model.NewUnauthorizedError()
		}
		if ctx.Err() != nil {
			return model.NewCancelledError()
		}
		return model.NewTransientNetworkError(err.Error())
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	return nil
}

// Receive は次の受信エンベロープを返す。
// 接続断、Closeの呼び出し、またはコンテキストのキャンセルでエラーを返して戻る。
// デコードできないフレームは読み飛ばして次を待つ。
func (g *WSGateway) Receive(ctx context.Context) (*model.Envelope, error) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	// ReadMessageはコンテキストを見ないため、キャンセル時は接続を閉じて読み取りを解除する
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("受信フレームのパースに失敗しました",
				slog.String("error", err.Error()),
			)
			continue
		}
		return &env, nil
	}
}

// Close は接続を閉じる。進行中のReceiveはエラーで戻る。
func (g *WSGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}

// SendMessage はメッセージをHTTP API経由で送信し、サーバー採番のMessageを返す。
func (g *WSGateway) SendMessage(ctx context.Context, chatroomID, text string) (*model.Message, error) {
	var dto messageDTO
	path := "/v1/chatrooms/" + chatroomID + "/messages"
	if err := g.api.doJSON(ctx, http.MethodPost, path, sendMessageRequestDTO{Text: text}, &dto); err != nil {
		return nil, err
	}
	return &model.Message{
		ID:         dto.ID,
		ChatroomID: dto.ChatroomID,
		SenderID:   dto.SenderID,
		Text:       dto.Text,
		Status:     model.DeliveryStatusSent,
		CreatedAt:  dto.CreatedAt,
	}, nil
}

// MarkRead は既読をHTTP API経由でサーバーへ通知する。
func (g *WSGateway) MarkRead(ctx context.Context, chatroomID string) error {
	path := "/v1/chatrooms/" + chatroomID + "/read"
	return g.api.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// SetTyping は入力中状態をWebSocket経由でサーバーへ通知する。
func (g *WSGateway) SetTyping(ctx context.Context, chatroomID string, isTyping bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}

	eventType := model.EventTypingStop
	if isTyping {
		eventType = model.EventTypingStart
	}
	env := model.Envelope{Type: eventType, ChatroomID: chatroomID}
	if err := g.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("入力中通知の送信に失敗しました: %w", err)
	}
	return nil
}
