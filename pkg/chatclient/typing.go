package chatclient

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingEmitter decides when the sender should put typing events on the
// wire: at most one per interval while keys are pressed, and a stop-typing
// on blur, empty input or send.
type TypingEmitter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	typing  bool
}

func NewTypingEmitter(interval time.Duration) *TypingEmitter {
	return &TypingEmitter{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Keystroke reports whether a typing event should be emitted for this
// keypress.
func (t *TypingEmitter) Keystroke() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = true
	return t.limiter.Allow()
}

// Stop reports whether a stop-typing event should be emitted. It returns
// true only when the user was typing, so duplicate blur events stay quiet.
func (t *TypingEmitter) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.typing {
		return false
	}
	t.typing = false
	return true
}

// TypingIndicator tracks which peers are typing on the receiving side. An
// indicator clears when stop-typing arrives or after an idle timeout, so a
// peer that disconnects uncleanly cannot leave it stuck.
type TypingIndicator struct {
	mu      sync.Mutex
	timeout time.Duration
	timers  map[string]*time.Timer
}

func NewTypingIndicator(timeout time.Duration) *TypingIndicator {
	return &TypingIndicator{
		timeout: timeout,
		timers:  make(map[string]*time.Timer),
	}
}

// Set marks the user as typing and (re)arms their idle timer.
func (i *TypingIndicator) Set(userId string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if timer, ok := i.timers[userId]; ok {
		timer.Reset(i.timeout)
		return
	}
	i.timers[userId] = time.AfterFunc(i.timeout, func() {
		i.Clear(userId)
	})
}

// Clear removes the user's typing indicator.
func (i *TypingIndicator) Clear(userId string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if timer, ok := i.timers[userId]; ok {
		timer.Stop()
		delete(i.timers, userId)
	}
}

// Typing reports whether the user currently shows as typing.
func (i *TypingIndicator) Typing(userId string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.timers[userId]
	return ok
}
