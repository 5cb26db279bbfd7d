// Package store は単方向のスナップショット配信ストアを提供する。
// 各コンポーネントは状態変化のたびにイミュータブルなスナップショットを発行し、
// 購読者は共有オブジェクトではなくスナップショットのコピーを受け取る。
// これにより購読者間の暗黙的な順序依存と読み書き競合を排除する。
package store

import "sync"

// Store は1種類のスナップショットを購読者へ配信する。
// 発行はブロックしない。消費が遅い購読者には最新のスナップショットだけが届く（合流）。
type Store[S any] struct {
	mu        sync.Mutex
	latest    S
	hasLatest bool
	subs      map[int]chan S
	nextID    int
}

// New はStoreの新しいインスタンスを生成する。
func New[S any]() *Store[S] {
	return &Store[S]{
		subs: make(map[int]chan S),
	}
}

// Publish はスナップショットを全購読者へ配信する。
// 購読者のチャネルが詰まっている場合は古いスナップショットを捨てて置き換える。
func (s *Store[S]) Publish(snap S) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = snap
	s.hasLatest = true

	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// 未消費のスナップショットを捨てて最新に置き換える
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Subscribe は購読チャネルと購読解除関数を返す。
// 既にスナップショットが発行済みの場合は最新の1件が直ちに届く。
func (s *Store[S]) Subscribe() (<-chan S, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan S, 1)
	if s.hasLatest {
		ch <- s.latest
	}
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Latest は最新のスナップショットを返す。未発行の場合は第2戻り値がfalse。
func (s *Store[S]) Latest() (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// SubscriberCount は現在の購読者数を返す。テストおよびメトリクス用。
func (s *Store[S]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
