// Package lifecycle holds process state shared between the HTTP handlers
// and the shutdown path.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	drainingSince atomic.Int64 // unix nanos; zero when serving
}

// BeginDrain marks the process as draining. Only the first call records
// the time.
func (l *Lifecycle) BeginDrain(now time.Time) {
	if l == nil {
		return
	}
	l.drainingSince.CompareAndSwap(0, now.UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	n := l.drainingSince.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
