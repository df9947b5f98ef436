package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"debridflow/internal/storage"
)

// Timing defaults from spec.md §6.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultEmptyFilesPoll    = 500 * time.Millisecond
	DefaultMaxEmptyWait      = 60 * time.Second
	DefaultRefreshInterval   = 5 * time.Second
)

// Timers bundles the pump's four timer intervals so callers (tests, mainly)
// can shrink them without touching the defaults used in production.
type Timers struct {
	Heartbeat    time.Duration
	EmptyPoll    time.Duration
	MaxEmptyWait time.Duration
	Refresh      time.Duration
}

// DefaultTimers returns the spec.md §6 defaults.
func DefaultTimers() Timers {
	return Timers{
		Heartbeat:    DefaultHeartbeatInterval,
		EmptyPoll:    DefaultEmptyFilesPoll,
		MaxEmptyWait: DefaultMaxEmptyWait,
		Refresh:      DefaultRefreshInterval,
	}
}

// Sink receives events from a Pump. Implementations write to an SSE
// ResponseWriter, a websocket, a test slice, whatever the transport is.
type Sink interface {
	Send(Event) error
}

// SnapshotFunc loads a task snapshot shaped for the wire (see httpapi for the
// concrete struct); it returns storage.ErrNotFound if the task is gone.
type SnapshotFunc func(taskID string) (any, error)

// Pump drives one subscriber's stream: it is the "explicit subscription
// object with three timers" called for by the teacher's design notes,
// replacing a coroutine-based generator with plain goroutine + timers.
type Pump struct {
	sub       *Subscription
	snapshot  SnapshotFunc
	sink      Sink
	timers    Timers
}

// NewPump constructs a Pump for one subscriber connection.
func NewPump(sub *Subscription, snapshot SnapshotFunc, sink Sink, timers Timers) *Pump {
	return &Pump{sub: sub, snapshot: snapshot, sink: sink, timers: timers}
}

// Run blocks, pumping events until ctx is canceled, the subscription is
// closed, or the sink returns an error. It always sends a "hello" event and
// an initial snapshot first.
func (p *Pump) Run(ctx context.Context, taskID, mode, status string) error {
	if err := p.sink.Send(Event{"type": "hello", "taskId": taskID, "mode": mode, "status": status}); err != nil {
		return err
	}
	if err := p.emitSnapshotIfChanged(taskID); err != nil {
		return err
	}

	heartbeat := time.NewTicker(p.timers.Heartbeat)
	defer heartbeat.Stop()

	emptyWaitDeadline := time.Now().Add(p.timers.MaxEmptyWait)
	pollInterval := p.timers.EmptyPoll
	haveFiles := p.hasFiles(taskID)

	var pollTimer *time.Timer
	if !haveFiles {
		pollTimer = time.NewTimer(pollInterval)
	} else {
		pollTimer = time.NewTimer(p.timers.Refresh)
	}
	defer pollTimer.Stop()

	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.sub.Done():
			return nil
		case ev, ok := <-p.sub.Events():
			if !ok {
				return nil
			}
			if err := p.sink.Send(ev); err != nil {
				return err
			}
			lastActivity = time.Now()
		case <-pollTimer.C:
			if !haveFiles {
				if err := p.emitSnapshotIfChanged(taskID); err != nil {
					return err
				}
				haveFiles = p.hasFiles(taskID)
				if haveFiles || time.Now().After(emptyWaitDeadline) {
					pollTimer.Reset(p.timers.Refresh)
				} else {
					pollTimer.Reset(pollInterval)
				}
			} else {
				if err := p.emitSnapshotIfChanged(taskID); err != nil {
					return err
				}
				pollTimer.Reset(p.timers.Refresh)
			}
		case <-heartbeat.C:
			if time.Since(lastActivity) >= p.timers.Heartbeat {
				if err := p.sink.Send(Event{"type": "heartbeat"}); err != nil {
					return err
				}
			}
		}
	}
}

func (p *Pump) emitSnapshotIfChanged(taskID string) error {
	snap, err := p.snapshot(taskID)
	if err != nil {
		if err == storage.ErrNotFound {
			return p.sink.Send(Event{"type": "state", "taskId": taskID, "status": "deleted"})
		}
		return nil
	}
	ev, changed := p.sub.ShouldEmitSnapshot(snap)
	if !changed {
		return nil
	}
	return p.sink.Send(ev)
}

func (p *Pump) hasFiles(taskID string) bool {
	snap, err := p.snapshot(taskID)
	if err != nil {
		return false
	}
	type filesHolder struct {
		Files []any `json:"files"`
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	var fh filesHolder
	if err := json.Unmarshal(b, &fh); err != nil {
		return false
	}
	return len(fh.Files) > 0
}
