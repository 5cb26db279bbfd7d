// Package loadstate はデータ取得コンポーネント共通のローディング状態機械を提供する。
// フィードとチャットの各画面が同じ状態遷移規則を共有する。
package loadstate

import "sync"

// State はローディング状態を表す。
type State string

const (
	// StateIdle は待機状態。
	StateIdle State = "idle"
	// StateLoading は先頭ページ取得中の状態。
	StateLoading State = "loading"
	// StateLoadingMore は追加ページ取得中の状態。
	StateLoadingMore State = "loadingMore"
	// StateRefreshing はプルリフレッシュ中の状態。既存の表示は維持される。
	StateRefreshing State = "refreshing"
	// StateFailed は直近の取得が失敗した状態。原因エラーを保持する。
	StateFailed State = "failed"
)

// Machine はローディング状態機械。
// 1画面につき1インスタンスを保持し、同時にアクティブな状態は常に1つ。
// UIが購読する3つのブール値とエラーに状態を射影する。
type Machine struct {
	mu    sync.RWMutex
	state State
	err   error
}

// NewMachine はidle状態のMachineを生成する。
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// busy は取得が進行中かを返す。呼び出し元でロックを保持していること。
func (m *Machine) busy() bool {
	return m.state == StateLoading || m.state == StateLoadingMore || m.state == StateRefreshing
}

// BeginLoading は先頭ページ取得への遷移を試みる。
// 既に取得が進行中の場合はfalseを返し、状態は変化しない。
func (m *Machine) BeginLoading() bool {
	return m.begin(StateLoading)
}

// BeginLoadingMore は追加ページ取得への遷移を試みる。
// 既に取得が進行中の場合はfalseを返し、状態は変化しない。
func (m *Machine) BeginLoadingMore() bool {
	return m.begin(StateLoadingMore)
}

// BeginRefreshing はプルリフレッシュへの遷移を試みる。
// 既に取得が進行中の場合はfalseを返し、状態は変化しない。
func (m *Machine) BeginRefreshing() bool {
	return m.begin(StateRefreshing)
}

func (m *Machine) begin(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy() {
		return false
	}
	m.state = next
	m.err = nil
	return true
}

// Finish は取得の正常終了を記録し、idle状態に戻す。
func (m *Machine) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.err = nil
}

// Fail は取得の失敗を記録し、failed状態に遷移する。
// 原因エラーはUIの再試行表示のために保持される。
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateFailed
	m.err = err
}

// Reset は状態をidleに戻し、保持しているエラーを破棄する。
// フィード切り替えやログアウト時に使用する。
func (m *Machine) Reset() {
	m.Finish()
}

// Current は現在の状態を返す。
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLoading は先頭ページ取得中かを返す。
func (m *Machine) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLoading
}

// IsLoadingMore は追加ページ取得中かを返す。
func (m *Machine) IsLoadingMore() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLoadingMore
}

// IsRefreshing はプルリフレッシュ中かを返す。
func (m *Machine) IsRefreshing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRefreshing
}

// Err は直近の失敗原因を返す。failed状態以外ではnil。
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}
