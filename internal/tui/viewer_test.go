package tui

import (
	"testing"
	"time"

	"github.com/lotas/tabzentrale/internal/display"
	"github.com/lotas/tabzentrale/internal/merge"
	"github.com/lotas/tabzentrale/internal/registry"
	"github.com/lotas/tabzentrale/internal/types"
)

func newTestViewer() (*display.Builder, *Viewer) {
	b := display.New(func() []merge.SessionInput { return nil },
		types.SortLastActivated, nil, time.Minute)
	v := NewViewer(b, registry.New(nil, nil))
	return b, v
}

func TestPublishBeforeRunDoesNotBlock(t *testing.T) {
	b, v := newTestViewer()

	// Registering the sink publishes the current state synchronously.
	// That must return even though the program loop never started.
	done := make(chan struct{})
	go func() {
		b.AddSink(v)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AddSink blocked before the viewer loop started")
	}
}

func TestPublishBeforeRunParksLatestState(t *testing.T) {
	_, v := newTestViewer()

	first := &types.DisplayState{Strategy: types.SortLastActivated}
	second := &types.DisplayState{Strategy: types.SortWindowGrouped}
	v.Publish(first)
	v.Publish(second)

	v.mu.Lock()
	pending := v.pending
	v.mu.Unlock()
	if pending != second {
		t.Errorf("parked state is %p, want the latest publish %p", pending, second)
	}

	// The Init command flushes the parked state into the loop.
	msg := v.start()
	dm, ok := msg.(displayMsg)
	if !ok || dm.state != second {
		t.Errorf("start returned %#v, want the parked display state", msg)
	}

	v.mu.Lock()
	cleared := v.pending == nil
	v.mu.Unlock()
	if !cleared {
		t.Error("parked state not cleared after flush")
	}
}

func TestSendBeforeRunDropsTransientMessages(t *testing.T) {
	_, v := newTestViewer()

	done := make(chan struct{})
	go func() {
		v.send(commandFailedMsg{id: "cmd-1", err: "nope"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked before the viewer loop started")
	}
}
