package app

import "sync"

// SessionState はホストアプリから共有される認証状態を保持する。
// session.Providerを実装し、各ゲートウェイの認証トークン供給元にもなる。
type SessionState struct {
	mu     sync.RWMutex
	userID string
	token  string
}

// NewSessionState はSessionState の新しいインスタンスを生成する。初期状態は未認証。
func NewSessionState() *SessionState {
	return &SessionState{}
}

// SetAuthenticated は認証の確立を反映する。
func (s *SessionState) SetAuthenticated(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.token = token
}

// Clear はログアウトによる認証状態の破棄を反映する。
func (s *SessionState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.token = ""
}

// IsSessionReady はセッションが確立済みかを返す。
func (s *SessionState) IsSessionReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID != ""
}

// CurrentUserID は現在のユーザーIDを返す。未認証の場合はfalse。
func (s *SessionState) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

// AuthToken は現在の認証トークンを返す。未認証の場合は空文字列。
func (s *SessionState) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}
