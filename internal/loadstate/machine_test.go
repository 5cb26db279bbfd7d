package loadstate

import (
	"errors"
	"sync"
	"testing"
)

func TestMachine_InitialState(t *testing.T) {
	m := NewMachine()

	if got := m.Current(); got != StateIdle {
		t.Errorf("Current() = %q, want %q", got, StateIdle)
	}
	if m.IsLoading() || m.IsLoadingMore() || m.IsRefreshing() {
		t.Error("expected all loading flags to be false initially")
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil", m.Err())
	}
}

// TestMachine_BeginWhileBusy は取得進行中の再入が拒否されることを検証する。
func TestMachine_BeginWhileBusy(t *testing.T) {
	tests := []struct {
		name  string
		begin func(m *Machine) bool
	}{
		{"loading", func(m *Machine) bool { return m.BeginLoading() }},
		{"loadingMore", func(m *Machine) bool { return m.BeginLoadingMore() }},
		{"refreshing", func(m *Machine) bool { return m.BeginRefreshing() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			if !tt.begin(m) {
				t.Fatal("first begin should succeed")
			}
			if tt.begin(m) {
				t.Error("second begin should be rejected while busy")
			}
			if m.BeginLoading() {
				t.Error("BeginLoading should be rejected while busy")
			}
		})
	}
}

func TestMachine_FailPreservesError(t *testing.T) {
	m := NewMachine()
	m.BeginLoading()

	cause := errors.New("network down")
	m.Fail(cause)

	if got := m.Current(); got != StateFailed {
		t.Errorf("Current() = %q, want %q", got, StateFailed)
	}
	if !errors.Is(m.Err(), cause) {
		t.Errorf("Err() = %v, want %v", m.Err(), cause)
	}
}

// TestMachine_FailedAllowsRetry はfailed状態から再度取得を開始できることを検証する。
func TestMachine_FailedAllowsRetry(t *testing.T) {
	m := NewMachine()
	m.BeginLoading()
	m.Fail(errors.New("boom"))

	if !m.BeginLoading() {
		t.Fatal("expected retry from failed state to be allowed")
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil after retry begins", m.Err())
	}
}

func TestMachine_FinishReturnsToIdle(t *testing.T) {
	m := NewMachine()
	m.BeginLoadingMore()
	m.Finish()

	if got := m.Current(); got != StateIdle {
		t.Errorf("Current() = %q, want %q", got, StateIdle)
	}
}

// TestMachine_ConcurrentBegin は並行Beginのうち1つだけが成功することを検証する。
func TestMachine_ConcurrentBegin(t *testing.T) {
	m := NewMachine()

	const n = 16
	var wg sync.WaitGroup
	succeeded := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.BeginLoading() {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	count := 0
	for range succeeded {
		count++
	}
	if count != 1 {
		t.Errorf("concurrent BeginLoading succeeded %d times, want 1", count)
	}
}
