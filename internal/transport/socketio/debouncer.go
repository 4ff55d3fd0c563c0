package socketio

import (
	"sync"
	"time"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/idle"
)

// BroadcastDebouncer collapses rapid MPD change notifications into batched
// broadcasts. Multiple changes within the debounce window result in a single
// broadcast for each affected type (state and/or queue).
type BroadcastDebouncer struct {
	window        time.Duration
	stateCallback func()
	queueCallback func()

	mu           sync.Mutex
	pendingState bool
	pendingQueue bool
	timer        *time.Timer
	stopped      bool
}

// NewBroadcastDebouncer creates a debouncer that calls stateCallback and
// queueCallback at most once per quiet window.
func NewBroadcastDebouncer(window time.Duration, stateCallback, queueCallback func()) *BroadcastDebouncer {
	return &BroadcastDebouncer{
		window:        window,
		stateCallback: stateCallback,
		queueCallback: queueCallback,
	}
}

// stateChanges alter fields of pushState: playback, volume, options, the
// current queue position and the updatingDb flag.
const stateChanges = idle.ChangeStatus | idle.ChangeQueue | idle.ChangeStats

// Trigger records changes and restarts the window. Changes that touch
// neither pushState nor pushQueue leave the timer alone.
func (d *BroadcastDebouncer) Trigger(changes idle.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || changes&stateChanges == 0 {
		return
	}
	d.pendingState = true
	if changes.Has(idle.ChangeQueue) {
		d.pendingQueue = true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush fires callbacks for any pending flags and resets them.
func (d *BroadcastDebouncer) flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	doState := d.pendingState
	doQueue := d.pendingQueue
	d.pendingState = false
	d.pendingQueue = false
	d.mu.Unlock()

	if doState && d.stateCallback != nil {
		d.stateCallback()
	}
	if doQueue && d.queueCallback != nil {
		d.queueCallback()
	}
}

// Stop prevents any further callbacks from firing.
func (d *BroadcastDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pendingState = false
	d.pendingQueue = false
}
