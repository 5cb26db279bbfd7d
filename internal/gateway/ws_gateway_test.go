package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/mogusync/internal/model"
)

// newWSTestServer はWebSocketテストサーバーを起動し、
// 接続確立ごとにハンドラへコネクションを渡す。
func newWSTestServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("WebSocketアップグレードに失敗した: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestWSGateway(server *httptest.Server, authToken func() string) *WSGateway {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	api := NewHTTPAPIClient(http.DefaultClient, logger, "", HTTPAPIOptions{})
	return NewWSGateway(api, logger, wsURL(server), authToken)
}

func TestWSGateway_ConnectAndReceive(t *testing.T) {
	sentAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		env := model.Envelope{
			Type:       model.EventNewMessage,
			ChatroomID: "room_1",
			SenderID:   "alice",
			Payload:    model.EnvelopePayload{MessageID: "m1", Text: "hello", CreatedAt: sentAt},
		}
		if err := conn.WriteJSON(env); err != nil {
			t.Errorf("WriteJSONに失敗した: %v", err)
		}
		// クライアント側のCloseまで接続を維持する
		conn.ReadMessage()
	})
	defer server.Close()

	g := newTestWSGateway(server, nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()

	env, err := g.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if env.Type != model.EventNewMessage || env.ChatroomID != "room_1" {
		t.Errorf("Envelope = %+v, want new_message in room_1", env)
	}
	if env.Payload.MessageID != "m1" || !env.Payload.CreatedAt.Equal(sentAt) {
		t.Errorf("Payload = %+v, want m1 at %v", env.Payload, sentAt)
	}
}

func TestWSGateway_ConnectSendsAuthHeader(t *testing.T) {
	headerCh := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	g := newTestWSGateway(server, func() string { return "tok_ws" })
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()

	if got := <-headerCh; got != "Bearer tok_ws" {
		t.Errorf("Authorization = %q, want Bearer tok_ws", got)
	}
}

func TestWSGateway_ConnectUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	g := newTestWSGateway(server, nil)
	err := g.Connect(context.Background())
	if !model.IsUnauthorized(err) {
		t.Errorf("Connect() error = %v, want unauthorized", err)
	}
}

func TestWSGateway_CloseUnblocksReceive(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		// 何も送らずクライアント側のCloseまで維持する
		conn.ReadMessage()
	})
	defer server.Close()

	g := newTestWSGateway(server, nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Receive() error = nil, want error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close後もReceiveがブロックされたまま")
	}
}

func TestWSGateway_ReceiveReturnsOnContextCancel(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		// 何も送らずアイドルのまま維持する
		conn.ReadMessage()
	})
	defer server.Close()

	g := newTestWSGateway(server, nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Receive() error = nil, want context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もReceiveがブロックされたまま")
	}
}

func TestWSGateway_ReceiveSkipsMalformedFrames(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(model.Envelope{Type: model.EventPresence, SenderID: "alice", Payload: model.EnvelopePayload{Online: true}})
		conn.ReadMessage()
	})
	defer server.Close()

	g := newTestWSGateway(server, nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()

	env, err := g.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if env.Type != model.EventPresence || !env.Payload.Online {
		t.Errorf("Envelope = %+v, want presence online", env)
	}
}

func TestWSGateway_SetTyping(t *testing.T) {
	envCh := make(chan model.Envelope, 2)
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			var env model.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			envCh <- env
		}
	})
	defer server.Close()

	g := newTestWSGateway(server, nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()

	ctx := context.Background()
	if err := g.SetTyping(ctx, "room_1", true); err != nil {
		t.Fatalf("SetTyping(true) error = %v", err)
	}
	if err := g.SetTyping(ctx, "room_1", false); err != nil {
		t.Fatalf("SetTyping(false) error = %v", err)
	}

	start := <-envCh
	stop := <-envCh
	if start.Type != model.EventTypingStart || start.ChatroomID != "room_1" {
		t.Errorf("1通目 = %+v, want typing_start in room_1", start)
	}
	if stop.Type != model.EventTypingStop {
		t.Errorf("2通目 = %+v, want typing_stop", stop)
	}
}

func TestWSGateway_SetTypingWithoutConnection(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	api := NewHTTPAPIClient(http.DefaultClient, logger, "", HTTPAPIOptions{})
	g := NewWSGateway(api, logger, "ws://127.0.0.1:0", nil)

	if err := g.SetTyping(context.Background(), "room_1", true); err == nil {
		t.Error("未接続のSetTypingはエラーを返すべき")
	}
}

func TestWSGateway_SendMessage(t *testing.T) {
	sentAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chatrooms/room_1/messages" {
			t.Errorf("パス = %s, want /v1/chatrooms/room_1/messages", r.URL.Path)
		}
		var req sendMessageRequestDTO
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("リクエストボディのデコードに失敗した: %v", err)
		}
		if req.Text != "こんにちは" {
			t.Errorf("text = %q, want こんにちは", req.Text)
		}
		json.NewEncoder(w).Encode(messageDTO{
			ID:         "srv_1",
			ChatroomID: "room_1",
			SenderID:   "me",
			Text:       req.Text,
			CreatedAt:  sentAt,
		})
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	api := NewHTTPAPIClient(server.Client(), logger, server.URL, HTTPAPIOptions{})
	g := NewWSGateway(api, logger, "ws://127.0.0.1:0", nil)

	msg, err := g.SendMessage(context.Background(), "room_1", "こんにちは")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "srv_1" || msg.Status != model.DeliveryStatusSent {
		t.Errorf("Message = %+v, want srv_1 sent", msg)
	}
	if !msg.CreatedAt.Equal(sentAt) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, sentAt)
	}
}

func TestWSGateway_MarkRead(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/v1/chatrooms/room_1/read" {
			t.Errorf("パス = %s, want /v1/chatrooms/room_1/read", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	api := NewHTTPAPIClient(server.Client(), logger, server.URL, HTTPAPIOptions{})
	g := NewWSGateway(api, logger, "ws://127.0.0.1:0", nil)

	if err := g.MarkRead(context.Background(), "room_1"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !called {
		t.Error("既読通知エンドポイントが呼ばれていない")
	}
}
