// Package model はドメインモデルを定義する。
package model

import "time"

// DeliveryStatus はメッセージの配送状態を表す。
type DeliveryStatus string

const (
	// DeliveryStatusPending は送信中（サーバー未確認）の状態。
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusSent はサーバーが受理した状態。
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed は送信に失敗した状態。ユーザー操作でのみ再送される。
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Message はチャットルーム内の1メッセージを表す。
type Message struct {
	ID         string // サーバー採番のID。pending中はローカルIDが入る
	LocalID    string // クライアント採番のID。再送・突き合わせに使用する
	ChatroomID string
	SenderID   string
	Text       string // サニタイズ済みプレーンテキスト
	Status     DeliveryStatus
	CreatedAt  time.Time
}

// Chatroom はチャットルームとその表示用状態を表す。
// UnreadCountは負にならず、明示的なMarkReadでのみ0にリセットされる。
type Chatroom struct {
	ID             string
	ParticipantIDs []string
	LastMessage    *Message
	LastActivityAt time.Time
	UnreadCount    int
	TypingUserID   string // 入力中の参加者ID。誰も入力していなければ空
	Messages       []Message
}

// EventType はメッセージングチャネルから届くイベントの種別を表す。
type EventType string

const (
	// EventNewMessage は新着メッセージイベント。
	EventNewMessage EventType = "new_message"
	// EventTypingStart は入力開始イベント。
	EventTypingStart EventType = "typing_start"
	// EventTypingStop は入力終了イベント。
	EventTypingStop EventType = "typing_stop"
	// EventPresence はオンライン状態イベント。
	EventPresence EventType = "presence"
	// EventChatroomUpdated はチャットルーム属性の更新イベント。
	EventChatroomUpdated EventType = "chatroom_updated"
)

// Envelope はメッセージングチャネルのJSONエンベロープを表す。
type Envelope struct {
	Type       EventType       `json:"type"`
	ChatroomID string          `json:"chatroomId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	Payload    EnvelopePayload `json:"payload,omitempty"`
}

// EnvelopePayload はエンベロープのペイロード。イベント種別ごとに使用フィールドが異なる。
type EnvelopePayload struct {
	MessageID string    `json:"messageId,omitempty"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Online    bool      `json:"online,omitempty"`
	// chatroom_updated用
	ParticipantIDs []string `json:"participantIds,omitempty"`
}
