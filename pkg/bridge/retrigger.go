// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// retriggerTimeout is how long a deferred operation waits for its
// message's create to finish bridging before being dropped. Bounded
// staleness is intentional: after this window the event is gone for good.
const retriggerTimeout = 60 * time.Second

// Retrigger defers operations that arrived ahead of the event they
// depend on. Discord delivers updates, deletes and reactions with no
// ordering guarantee relative to the original create, and bridging a
// create does network I/O the others skip, so a dependent event can
// physically overtake it. Deferred functions are replayed once the
// create is durably recorded, or dropped silently after the timeout.
type Retrigger struct {
	log zerolog.Logger

	mu      sync.Mutex
	waiting map[string][]*retriggerWaiter
	paused  map[string]int
	timeout time.Duration
}

type retriggerWaiter struct {
	fn    func(ctx context.Context)
	timer *time.Timer
	fired bool
}

// NewRetrigger creates a retrigger engine with the standard timeout.
func NewRetrigger(log zerolog.Logger) *Retrigger {
	return &Retrigger{
		log:     log,
		waiting: make(map[string][]*retriggerWaiter),
		paused:  make(map[string]int),
		timeout: retriggerTimeout,
	}
}

// RunOrDefer executes fn immediately when found reports that the
// message's rows exist and no edit is in flight. Otherwise fn is queued
// until MessageFinished is called for the message ID, or dropped after
// the timeout. Each call registers exactly one pending callback;
// concurrent waiters for the same ID are independent.
func (rt *Retrigger) RunOrDefer(ctx context.Context, messageID string, found func(ctx context.Context) (bool, error), fn func(ctx context.Context)) error {
	rt.mu.Lock()
	pausedNow := rt.paused[messageID] > 0
	rt.mu.Unlock()

	// A paused message bypasses the fast path even when the row exists:
	// the in-flight edit may be about to replace the rows this operation
	// would act on.
	if !pausedNow {
		ok, err := found(ctx)
		if err != nil {
			return err
		}
		if ok {
			// Re-check: an edit may have started while found was doing I/O.
			rt.mu.Lock()
			stillUnpaused := rt.paused[messageID] == 0
			rt.mu.Unlock()
			if stillUnpaused {
				fn(ctx)
				return nil
			}
		}
	}

	rt.defer_(messageID, fn)
	return nil
}

func (rt *Retrigger) defer_(messageID string, fn func(ctx context.Context)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	w := &retriggerWaiter{fn: fn}
	w.timer = time.AfterFunc(rt.timeout, func() {
		rt.expire(messageID, w)
	})
	rt.waiting[messageID] = append(rt.waiting[messageID], w)
	rt.log.Debug().Str("message_id", messageID).Msg("Deferred operation until message finishes bridging")
}

// expire permanently drops a waiter whose message never finished.
func (rt *Retrigger) expire(messageID string, w *retriggerWaiter) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if w.fired {
		return
	}
	w.fired = true
	waiters := rt.waiting[messageID]
	for i, other := range waiters {
		if other == w {
			rt.waiting[messageID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(rt.waiting[messageID]) == 0 {
		delete(rt.waiting, messageID)
	}
	rt.log.Warn().Str("message_id", messageID).Msg("Dropping deferred operation, message never finished bridging")
}

// MessageFinished replays every deferred operation for a message. Called
// after the message's event rows have been durably written. Replays run
// in registration order on the calling goroutine.
func (rt *Retrigger) MessageFinished(ctx context.Context, messageID string) {
	rt.mu.Lock()
	if rt.paused[messageID] > 0 {
		// The pause owner flushes on completion.
		rt.mu.Unlock()
		return
	}
	waiters := rt.waiting[messageID]
	delete(rt.waiting, messageID)
	var fns []func(ctx context.Context)
	for _, w := range waiters {
		if w.fired {
			continue
		}
		w.fired = true
		w.timer.Stop()
		fns = append(fns, w.fn)
	}
	rt.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// Pause marks a message's edit as in flight, runs fn, then lifts the
// pause and flushes any operations queued meanwhile. The pause is lifted
// on failure too; the queued operations see whatever state the failed
// edit left behind.
func (rt *Retrigger) Pause(ctx context.Context, messageID string, fn func(ctx context.Context) error) error {
	rt.mu.Lock()
	rt.paused[messageID]++
	rt.mu.Unlock()

	err := fn(ctx)

	rt.mu.Lock()
	rt.paused[messageID]--
	if rt.paused[messageID] == 0 {
		delete(rt.paused, messageID)
	}
	stillPaused := rt.paused[messageID] > 0
	rt.mu.Unlock()

	if !stillPaused {
		rt.MessageFinished(ctx, messageID)
	}
	return err
}

// WaitingCount reports how many operations are queued for a message.
func (rt *Retrigger) WaitingCount(messageID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.waiting[messageID])
}
