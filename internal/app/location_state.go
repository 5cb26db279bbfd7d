package app

import (
	"sync"

	"github.com/hitoshi/mogusync/internal/model"
)

// LocationState はホストアプリから共有される現在位置を保持する。
// feed.LocationProviderを実装する。位置情報は任意で、
// 未設定でもフィード取得はフォールバックで継続する。
type LocationState struct {
	mu    sync.RWMutex
	loc   model.Location
	known bool
}

// NewLocationState はLocationState の新しいインスタンスを生成する。初期状態は位置不明。
func NewLocationState() *LocationState {
	return &LocationState{}
}

// Update は現在位置を更新する。
func (l *LocationState) Update(loc model.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loc = loc
	l.known = true
}

// Clear は位置情報の利用許可取り消しなどによる破棄を反映する。
func (l *LocationState) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loc = model.Location{}
	l.known = false
}

// CurrentLocation は現在位置を返す。取得できない場合はfalse。
func (l *LocationState) CurrentLocation() (model.Location, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loc, l.known
}
