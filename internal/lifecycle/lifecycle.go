// Package lifecycle はアプリのフォアグラウンド/バックグラウンド遷移を配信する。
// OS通知を各コンポーネントが個別に監視する代わりに、
// 単一のイベントソースとしてフィードとメッセージングの両方が購読する。
package lifecycle

import "sync"

// Phase はアプリの実行フェーズを表す。
type Phase string

const (
	// PhaseForeground はアプリが前面にある状態。
	PhaseForeground Phase = "foreground"
	// PhaseBackground はアプリが背面に回った状態。
	PhaseBackground Phase = "background"
)

// Notifier はフェーズ遷移を購読者へ配信する。初期フェーズはforeground。
type Notifier struct {
	mu     sync.Mutex
	phase  Phase
	subs   map[int]chan Phase
	nextID int
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
func NewNotifier() *Notifier {
	return &Notifier{
		phase: PhaseForeground,
		subs:  make(map[int]chan Phase),
	}
}

// Foreground はフォアグラウンド遷移を通知する。既にforegroundの場合は何もしない。
func (n *Notifier) Foreground() {
	n.transition(PhaseForeground)
}

// Background はバックグラウンド遷移を通知する。既にbackgroundの場合は何もしない。
func (n *Notifier) Background() {
	n.transition(PhaseBackground)
}

func (n *Notifier) transition(next Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.phase == next {
		return
	}
	n.phase = next

	for _, ch := range n.subs {
		select {
		case ch <- next:
		default:
			// 未消費の遷移を捨てて最新に置き換える
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
}

// Current は現在のフェーズを返す。
func (n *Notifier) Current() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// Subscribe は購読チャネルと購読解除関数を返す。
func (n *Notifier) Subscribe() (<-chan Phase, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan Phase, 1)
	n.subs[id] = ch

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}
