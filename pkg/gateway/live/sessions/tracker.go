// Package sessions tracks the live sessions of this process so shutdown can
// warn, cancel and wait for them.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session is what the tracker needs from a live session.
type Session interface {
	Cancel()
	Warn(code, message string) error
}

type Info struct {
	ID        string
	StartedAt time.Time
}

type entry struct {
	session   Session
	startedAt time.Time
	release   sync.Once
}

type Tracker struct {
	now func() time.Time

	mu   sync.Mutex
	live map[string]*entry
	wg   sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now, live: make(map[string]*entry)}
}

// Register adds a session and returns the func that removes it. A second
// registration under the same id replaces and releases the first.
func (t *Tracker) Register(id string, s Session) (release func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{session: s, startedAt: t.now()}

	t.wg.Add(1)
	t.mu.Lock()
	prev := t.live[id]
	t.live[id] = e
	t.mu.Unlock()

	if prev != nil {
		t.release(id, prev)
	}
	return func() { t.release(id, e) }
}

func (t *Tracker) release(id string, e *entry) {
	e.release.Do(func() {
		t.mu.Lock()
		if t.live[id] == e {
			delete(t.live, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// List returns the live sessions ordered by start time.
func (t *Tracker) List() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.live))
	for id, e := range t.live {
		out = append(out, Info{ID: id, StartedAt: e.startedAt})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.live))
	for _, e := range t.live {
		if e.session != nil {
			out = append(out, e.session)
		}
	}
	return out
}

// WarnAll is best effort; it returns how many sessions were notified.
func (t *Tracker) WarnAll(code, message string) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, s := range t.snapshot() {
		_ = s.Warn(code, message)
		n++
	}
	return n
}

func (t *Tracker) CancelAll() int {
	if t == nil {
		return 0
	}
	all := t.snapshot()
	for _, s := range all {
		s.Cancel()
	}
	return len(all)
}

// Wait blocks until every registered session is released or ctx ends. It
// reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
