// Package messaging はリアルタイムメッセージングの同期を提供する。
// 接続/再接続のライフサイクル、受信メッセージの重複排除と順序維持、
// 入力インジケータ、既読処理、未読数の管理を含む。
package messaging

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mogusync/internal/metrics"
	"github.com/hitoshi/mogusync/internal/model"
	"github.com/hitoshi/mogusync/internal/security"
	"github.com/hitoshi/mogusync/internal/session"
	"github.com/hitoshi/mogusync/internal/store"
)

// Gateway はメッセージングチャネルのインターフェース。
type Gateway interface {
	// Connect は接続を確立する。確立済みの場合は張り直す。
	Connect(ctx context.Context) error
	// Receive は次の受信エンベロープを返す。接続断の場合はエラーを返す。
	Receive(ctx context.Context) (*model.Envelope, error)
	// Close は接続を閉じる。進行中のReceiveはエラーで戻る。
	Close() error
	// SendMessage はメッセージを送信し、サーバー採番のMessageを返す。
	SendMessage(ctx context.Context, chatroomID, text string) (*model.Message, error)
	// MarkRead は既読をサーバーへ通知する。
	MarkRead(ctx context.Context, chatroomID string) error
	// SetTyping は入力中状態をサーバーへ通知する。
	SetTyping(ctx context.Context, chatroomID string, isTyping bool) error
}

// ConnState は接続状態を表す。
type ConnState string

const (
	// ConnStateDisconnected は未接続状態。
	ConnStateDisconnected ConnState = "disconnected"
	// ConnStateConnecting は接続試行中の状態。
	ConnStateConnecting ConnState = "connecting"
	// ConnStateConnected は接続確立済みの状態。
	ConnStateConnected ConnState = "connected"
)

// ChatSnapshot はチャット表示用状態のイミュータブルなコピー。
type ChatSnapshot struct {
	ConnState ConnState
	// ProlongedOutage は再接続遅延が上限に達しても復旧しない長期切断の表示フラグ。
	// 個々の接続エラーはUIへ出さず、これだけを永続インジケータとして出す。
	ProlongedOutage bool
	// Rooms は最終アクティビティの新しい順に並んだチャットルームのコピー。
	Rooms []model.Chatroom
}

// Options はSynchronizerの動作設定。
type Options struct {
	ReconnectInitialDelay time.Duration // 0以下の場合は1秒
	ReconnectMaxDelay     time.Duration // 0以下の場合は30秒
	StabilityWindow       time.Duration // 0以下の場合は30秒
	TypingInactivity      time.Duration // 0以下の場合は2秒
}

// Synchronizer はメッセージングセッションの同期を司る。
// チャットルームコレクションはSynchronizerが排他的に所有し、
// 外部はスナップショットの読み取りと定義された操作のみを行う。
// 接続試行は常に1つだけで、再接続ループはRunのゴルーチン上で直列に動く。
type Synchronizer struct {
	gateway   Gateway
	sessions  session.Provider
	sanitizer security.ContentSanitizerService
	metrics   metrics.SyncMetricsCollector
	logger    *slog.Logger

	initialDelay     time.Duration
	maxDelay         time.Duration
	stabilityWindow  time.Duration
	typingInactivity time.Duration

	chatStore *store.Store[ChatSnapshot]
	resumeCh  chan struct{}

	// pubMu はスナップショットの構築から配信までを直列化する
	pubMu sync.Mutex

	mu           sync.Mutex
	rooms        map[string]*model.Chatroom
	roomOrder    []string // 挿入順。スナップショットではlastActivityAtで並べ替える
	connState    ConnState
	prolonged    bool
	paused       bool
	activeRoomID string
	presence     map[string]bool
	localTyping  map[string]bool
	typingTimers map[string]*time.Timer
}

// NewSynchronizer はSynchronizerの新しいインスタンスを生成する。
func NewSynchronizer(
	gateway Gateway,
	sessions session.Provider,
	sanitizer security.ContentSanitizerService,
	collector metrics.SyncMetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Synchronizer {
	if opts.ReconnectInitialDelay <= 0 {
		opts.ReconnectInitialDelay = initialReconnectDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = maxReconnectDelay
	}
	if opts.StabilityWindow <= 0 {
		opts.StabilityWindow = defaultStabilityWindow
	}
	if opts.TypingInactivity <= 0 {
		opts.TypingInactivity = 2 * time.Second
	}

	return &Synchronizer{
		gateway:          gateway,
		sessions:         sessions,
		sanitizer:        sanitizer,
		metrics:          collector,
		logger:           logger,
		initialDelay:     opts.ReconnectInitialDelay,
		maxDelay:         opts.ReconnectMaxDelay,
		stabilityWindow:  opts.StabilityWindow,
		typingInactivity: opts.TypingInactivity,
		chatStore:        store.New[ChatSnapshot](),
		resumeCh:         make(chan struct{}, 1),
		rooms:            make(map[string]*model.Chatroom),
		connState:        ConnStateDisconnected,
		presence:         make(map[string]bool),
		localTyping:      make(map[string]bool),
		typingTimers:     make(map[string]*time.Timer),
	}
}

// Store はスナップショット配信ストアを返す。UIはこれを購読する。
func (s *Synchronizer) Store() *store.Store[ChatSnapshot] {
	return s.chatStore
}

// Run は接続ライフサイクルを実行する。コンテキストがキャンセルされるまで戻らない。
// 切断後は上限付き指数バックオフで自動的に再接続し、
// 安定稼働（stabilityWindow超）した接続の後は遅延を初回値へ戻す。
func (s *Synchronizer) Run(ctx context.Context) {
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.waitWhilePaused(ctx) {
			return
		}

		s.setConnState(ConnStateConnecting)
		s.metrics.RecordReconnectAttempt()

		if err := s.gateway.Connect(ctx); err != nil {
			s.setConnState(ConnStateDisconnected)
			delay := CalculateBackoff(s.initialDelay, s.maxDelay, failures)
			failures++

			if delay >= s.maxDelay {
				// 上限到達後も復旧しない場合のみ永続的な切断表示を出す
				s.setProlonged(true)
			}
			s.logger.Info("メッセージング接続に失敗しました。再接続します",
				slog.Duration("retry_after", delay),
				slog.Int("consecutive_failures", failures),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		s.setConnState(ConnStateConnected)
		s.setProlonged(false)
		s.logger.Info("メッセージング接続を確立しました")

		connectedAt := time.Now()
		s.receiveLoop(ctx)
		_ = s.gateway.Close()

		// 切断中の入力表示は信頼できないため破棄する。未読数は影響を受けない
		s.mu.Lock()
		for _, room := range s.rooms {
			room.TypingUserID = ""
		}
		s.mu.Unlock()
		s.setConnState(ConnStateDisconnected)

		if time.Since(connectedAt) >= s.stabilityWindow {
			failures = 0
		} else {
			failures++
		}
	}
}

// waitWhilePaused はバックグラウンド中は再接続を保留する。
// ctxキャンセル時はfalseを返す。
func (s *Synchronizer) waitWhilePaused(ctx context.Context) bool {
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.resumeCh:
		}
	}
}

// receiveLoop は受信エンベロープを処理する。接続断で戻る。
func (s *Synchronizer) receiveLoop(ctx context.Context) {
	for {
		env, err := s.gateway.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info("メッセージング接続が切断されました",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.handleEnvelope(env)
	}
}

// HandleBackground はバックグラウンド遷移を処理する。
// 再接続ループを保留し、現在の接続を閉じる。
func (s *Synchronizer) HandleBackground() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	_ = s.gateway.Close()
}

// HandleForeground はフォアグラウンド復帰を処理し、再接続ループを再開する。
func (s *Synchronizer) HandleForeground() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// handleEnvelope は受信イベントを種別ごとに処理する。
func (s *Synchronizer) handleEnvelope(env *model.Envelope) {
	switch env.Type {
	case model.EventNewMessage:
		s.handleNewMessage(env)
	case model.EventTypingStart:
		s.setRemoteTyping(env.ChatroomID, env.SenderID)
	case model.EventTypingStop:
		s.clearRemoteTyping(env.ChatroomID, env.SenderID)
	case model.EventPresence:
		s.mu.Lock()
		s.presence[env.SenderID] = env.Payload.Online
		s.mu.Unlock()
	case model.EventChatroomUpdated:
		s.handleChatroomUpdated(env)
	default:
		s.logger.Debug("未知のイベント種別を無視しました",
			slog.String("type", string(env.Type)),
		)
	}
}

// handleNewMessage は新着メッセージを重複排除・順序維持のうえ取り込む。
// 送信者が入力中だった場合は入力表示を即座にクリアする。
func (s *Synchronizer) handleNewMessage(env *model.Envelope) {
	msg := model.Message{
		ID:         env.Payload.MessageID,
		ChatroomID: env.ChatroomID,
		SenderID:   env.SenderID,
		Text:       s.sanitizer.SanitizeMessageText(env.Payload.Text),
		Status:     model.DeliveryStatusSent,
		CreatedAt:  env.Payload.CreatedAt,
	}

	s.mu.Lock()
	room := s.ensureRoomLocked(env.ChatroomID)

	if !s.insertMessageLocked(room, msg) {
		s.mu.Unlock()
		s.metrics.RecordDuplicateMessageDropped()
		return
	}

	// 新着メッセージは送信者の入力終了を意味する
	if room.TypingUserID == msg.SenderID {
		room.TypingUserID = ""
	}

	selfID, _ := s.sessions.CurrentUserID()
	if msg.SenderID != selfID && room.ID != s.activeRoomID {
		room.UnreadCount++
	}
	s.mu.Unlock()

	s.publish()
}

// handleChatroomUpdated はチャットルーム属性の更新を取り込む。
func (s *Synchronizer) handleChatroomUpdated(env *model.Envelope) {
	s.mu.Lock()
	room := s.ensureRoomLocked(env.ChatroomID)
	if len(env.Payload.ParticipantIDs) > 0 {
		room.ParticipantIDs = append([]string(nil), env.Payload.ParticipantIDs...)
	}
	s.mu.Unlock()

	s.publish()
}

// Send はメッセージを送信する。
// ローカルに可視なpendingメッセージを即時作成し、サーバー受理でsentへ確定、
// 失敗時はfailedにする。failedのメッセージは自動では再送されない。
func (s *Synchronizer) Send(ctx context.Context, chatroomID, text string) (string, error) {
	text = s.sanitizer.SanitizeMessageText(text)
	selfID, _ := s.sessions.CurrentUserID()

	localID := uuid.New().String()
	pending := model.Message{
		ID:         localID,
		LocalID:    localID,
		ChatroomID: chatroomID,
		SenderID:   selfID,
		Text:       text,
		Status:     model.DeliveryStatusPending,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	room := s.ensureRoomLocked(chatroomID)
	s.insertMessageLocked(room, pending)
	s.mu.Unlock()
	s.publish()

	return localID, s.deliver(ctx, chatroomID, localID, text)
}

// RetrySend は送信失敗したメッセージをユーザー操作で再送する。
// failed以外の状態のメッセージは再送できない。
func (s *Synchronizer) RetrySend(ctx context.Context, chatroomID, localID string) error {
	s.mu.Lock()
	room, ok := s.rooms[chatroomID]
	if !ok {
		s.mu.Unlock()
		return model.NewChatroomNotFoundError(chatroomID)
	}

	var text string
	found := false
	for i := range room.Messages {
		if room.Messages[i].LocalID == localID {
			if room.Messages[i].Status != model.DeliveryStatusFailed {
				s.mu.Unlock()
				return model.NewMessageNotRetryableError(localID)
			}
			room.Messages[i].Status = model.DeliveryStatusPending
			text = room.Messages[i].Text
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return model.NewMessageNotFoundError(localID)
	}

	s.publish()
	return s.deliver(ctx, chatroomID, localID, text)
}

// deliver はゲートウェイ経由の送信とローカル状態の確定を行う。
func (s *Synchronizer) deliver(ctx context.Context, chatroomID, localID, text string) error {
	sent, err := s.gateway.SendMessage(ctx, chatroomID, text)

	s.mu.Lock()
	room, ok := s.rooms[chatroomID]
	if !ok {
		s.mu.Unlock()
		return model.NewChatroomNotFoundError(chatroomID)
	}

	if err != nil {
		for i := range room.Messages {
			if room.Messages[i].LocalID == localID {
				room.Messages[i].Status = model.DeliveryStatusFailed
				break
			}
		}
		s.mu.Unlock()
		s.publish()
		s.logger.Warn("メッセージ送信に失敗しました",
			slog.String("chatroom_id", chatroomID),
			slog.String("error", err.Error()),
		)
		return err
	}

	// サーバー採番IDで確定する。受信ループ経由で同じIDが先に届いていた場合は
	// pendingを取り除き、受信済みの1件だけを残す
	duplicate := false
	for i := range room.Messages {
		if room.Messages[i].ID == sent.ID && room.Messages[i].LocalID != localID {
			duplicate = true
			break
		}
	}

	for i := range room.Messages {
		if room.Messages[i].LocalID != localID {
			continue
		}
		if duplicate {
			room.Messages = append(room.Messages[:i], room.Messages[i+1:]...)
		} else {
			room.Messages[i].ID = sent.ID
			room.Messages[i].Status = model.DeliveryStatusSent
			if !sent.CreatedAt.IsZero() {
				room.Messages[i].CreatedAt = sent.CreatedAt
			}
			s.resortLocked(room)
		}
		break
	}
	s.mu.Unlock()

	s.publish()
	return nil
}

// MarkRead はチャットルームを既読にする。冪等で、未読0の場合は何もしない。
// サーバー通知は送りっぱなしで、失敗はログに残すのみ（次回同期で整合する）。
func (s *Synchronizer) MarkRead(ctx context.Context, chatroomID string) {
	s.mu.Lock()
	room, ok := s.rooms[chatroomID]
	if !ok || room.UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	room.UnreadCount = 0
	s.mu.Unlock()

	s.publish()

	go func() {
		if err := s.gateway.MarkRead(context.WithoutCancel(ctx), chatroomID); err != nil {
			s.logger.Warn("既読通知の送信に失敗しました",
				slog.String("chatroom_id", chatroomID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// SetActiveRoom はユーザーが開いているチャットルームを設定する。
// アクティブなルームの新着は未読数に加算されず、入室時に既読になる。
// 空文字列でルームを離れたことを表す。
func (s *Synchronizer) SetActiveRoom(ctx context.Context, chatroomID string) {
	s.mu.Lock()
	s.activeRoomID = chatroomID
	s.mu.Unlock()

	if chatroomID != "" {
		s.MarkRead(ctx, chatroomID)
	}
}

// TypingStarted はローカルユーザーの入力を通知する。
// 入力開始は非アクティブ窓あたり1回だけ送信され、
// 2秒間入力が止まると自動的に入力終了が送信される。
// タイマーの取り消しと再設定はロック内で原子的に行う。
func (s *Synchronizer) TypingStarted(ctx context.Context, chatroomID string) {
	s.mu.Lock()

	if t, ok := s.typingTimers[chatroomID]; ok {
		t.Stop()
	}
	s.typingTimers[chatroomID] = time.AfterFunc(s.typingInactivity, func() {
		s.typingStopped(chatroomID)
	})

	alreadyTyping := s.localTyping[chatroomID]
	s.localTyping[chatroomID] = true
	s.mu.Unlock()

	if alreadyTyping {
		return
	}

	go func() {
		if err := s.gateway.SetTyping(context.WithoutCancel(ctx), chatroomID, true); err != nil {
			s.logger.Debug("入力開始の通知に失敗しました",
				slog.String("chatroom_id", chatroomID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// typingStopped は非アクティブ窓の満了により入力終了を通知する。
func (s *Synchronizer) typingStopped(chatroomID string) {
	s.mu.Lock()
	if !s.localTyping[chatroomID] {
		s.mu.Unlock()
		return
	}
	s.localTyping[chatroomID] = false
	delete(s.typingTimers, chatroomID)
	s.mu.Unlock()

	if err := s.gateway.SetTyping(context.Background(), chatroomID, false); err != nil {
		s.logger.Debug("入力終了の通知に失敗しました",
			slog.String("chatroom_id", chatroomID),
			slog.String("error", err.Error()),
		)
	}
}

// IsOnline は参加者のオンライン状態を返す。
func (s *Synchronizer) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[userID]
}

// setRemoteTyping はリモート参加者の入力開始を反映する。
func (s *Synchronizer) setRemoteTyping(chatroomID, senderID string) {
	s.mu.Lock()
	room := s.ensureRoomLocked(chatroomID)
	room.TypingUserID = senderID
	s.mu.Unlock()
	s.publish()
}

// clearRemoteTyping はリモート参加者の入力終了を反映する。
func (s *Synchronizer) clearRemoteTyping(chatroomID, senderID string) {
	s.mu.Lock()
	room := s.ensureRoomLocked(chatroomID)
	if room.TypingUserID == senderID {
		room.TypingUserID = ""
	}
	s.mu.Unlock()
	s.publish()
}

// ensureRoomLocked はチャットルームを取得または作成する。
// 呼び出し元でロックを保持していること。
func (s *Synchronizer) ensureRoomLocked(chatroomID string) *model.Chatroom {
	if room, ok := s.rooms[chatroomID]; ok {
		return room
	}
	room := &model.Chatroom{ID: chatroomID}
	s.rooms[chatroomID] = room
	s.roomOrder = append(s.roomOrder, chatroomID)
	return room
}

// insertMessageLocked はメッセージを順序を保って挿入する。
// 既存IDとの重複は破棄してfalseを返す。呼び出し元でロックを保持していること。
// 順序はcreatedAt昇順、同時刻はID昇順。
func (s *Synchronizer) insertMessageLocked(room *model.Chatroom, msg model.Message) bool {
	for i := range room.Messages {
		if room.Messages[i].ID == msg.ID {
			return false
		}
	}

	room.Messages = append(room.Messages, msg)
	s.resortLocked(room)

	if room.LastMessage == nil || !messageLess(msg, *room.LastMessage) {
		last := msg
		room.LastMessage = &last
		room.LastActivityAt = msg.CreatedAt
	}
	return true
}

// resortLocked はルーム内メッセージを規定の順序に並べ直す。
func (s *Synchronizer) resortLocked(room *model.Chatroom) {
	sort.SliceStable(room.Messages, func(i, j int) bool {
		return messageLess(room.Messages[i], room.Messages[j])
	})
}

// messageLess はメッセージの順序関係（createdAt昇順、同時刻はID昇順）を返す。
func messageLess(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Synchronizer) setConnState(state ConnState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	s.publish()
}

func (s *Synchronizer) setProlonged(v bool) {
	s.mu.Lock()
	changed := s.prolonged != v
	s.prolonged = v
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// publish は現在のチャット状態のスナップショットを配信する。
// 構築と配信はpubMuで直列化し、並行して決着した操作が
// 古いスナップショットを最新として残さないようにする。
func (s *Synchronizer) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	rooms := make([]model.Chatroom, 0, len(s.roomOrder))
	for _, id := range s.roomOrder {
		room := s.rooms[id]
		cp := *room
		cp.Messages = append([]model.Message(nil), room.Messages...)
		cp.ParticipantIDs = append([]string(nil), room.ParticipantIDs...)
		if room.LastMessage != nil {
			last := *room.LastMessage
			cp.LastMessage = &last
		}
		rooms = append(rooms, cp)
	}
	snap := ChatSnapshot{
		ConnState:       s.connState,
		ProlongedOutage: s.prolonged,
		Rooms:           rooms,
	}
	s.mu.Unlock()

	sort.SliceStable(snap.Rooms, func(i, j int) bool {
		return snap.Rooms[i].LastActivityAt.After(snap.Rooms[j].LastActivityAt)
	})

	s.chatStore.Publish(snap)
}
