// Package keyedmutex serializes operations that share a logical key.
//
// Concurrent callers for the same key execute strictly one after another in
// submission order; callers for different keys are independent. A key's
// drainer goroutine exits and the key is removed from the map as soon as its
// queue empties, so idle keys never linger.
package keyedmutex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutError reports that an operation did not settle within its bound.
// The operation itself keeps running; only this caller's result is discarded.
type TimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation on key %q timed out after %s", e.Key, e.Timeout)
}

type job struct {
	op   func() error
	done chan error
}

type keyState struct {
	jobs    []job
	running bool
	since   time.Time // when the key became held
}

// KeyedMutex runs operations for the same key one at a time.
type KeyedMutex struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	logger *zap.Logger
}

// New creates a KeyedMutex. A nil logger disables maintenance logging.
func New(logger *zap.Logger) *KeyedMutex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyedMutex{
		keys:   make(map[string]*keyState),
		logger: logger,
	}
}

// Do queues op behind any in-flight operations for key and waits for it to
// finish. With timeout > 0 the wait is bounded: on expiry the caller gets a
// *TimeoutError while op still runs to completion in the background, its
// error discarded. op's own failure is returned to its caller only; it never
// aborts operations queued after it.
func (m *KeyedMutex) Do(key string, timeout time.Duration, op func() error) error {
	// Buffered so the drainer never blocks handing over a result the
	// caller stopped waiting for.
	j := job{op: op, done: make(chan error, 1)}

	m.mu.Lock()
	ks, ok := m.keys[key]
	if !ok {
		ks = &keyState{since: time.Now()}
		m.keys[key] = ks
	}
	ks.jobs = append(ks.jobs, j)
	if !ks.running {
		ks.running = true
		go m.drain(key, ks)
	}
	m.mu.Unlock()

	if timeout <= 0 {
		return <-j.done
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-j.done:
		return err
	case <-t.C:
		return &TimeoutError{Key: key, Timeout: timeout}
	}
}

// drain executes the key's queued jobs in order. When the queue empties the
// key is deleted under the same lock acquisition that observed it empty, so
// a concurrent Do either finds the entry still live or creates a fresh one.
func (m *KeyedMutex) drain(key string, ks *keyState) {
	for {
		m.mu.Lock()
		if len(ks.jobs) == 0 {
			ks.running = false
			delete(m.keys, key)
			m.mu.Unlock()
			return
		}
		j := ks.jobs[0]
		ks.jobs = ks.jobs[1:]
		m.mu.Unlock()

		j.done <- safeCall(j.op)
	}
}

func safeCall(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return op()
}

// Len returns the number of currently held keys.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Keys returns the currently held keys, sorted for stable output.
func (m *KeyedMutex) Keys() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// LogStale logs keys held longer than maxAge. It is a maintenance hook only;
// forced eviction would orphan queued callers, so long-held keys are reported
// rather than reclaimed.
func (m *KeyedMutex) LogStale(maxAge time.Duration) {
	now := time.Now()
	m.mu.Lock()
	type stale struct {
		key     string
		held    time.Duration
		backlog int
	}
	var found []stale
	for k, ks := range m.keys {
		if held := now.Sub(ks.since); held > maxAge {
			found = append(found, stale{key: k, held: held, backlog: len(ks.jobs)})
		}
	}
	m.mu.Unlock()

	for _, s := range found {
		m.logger.Warn("long-held mutex key",
			zap.String("key", s.key),
			zap.Duration("held", s.held),
			zap.Int("backlog", s.backlog),
		)
	}
}

// RunMaintenance runs LogStale every interval until stop is closed.
func (m *KeyedMutex) RunMaintenance(stop <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.LogStale(maxAge)
		}
	}
}
