package alarm

import (
	"sync"

	"alarmd/internal/reminder"
)

// Leases tracks ring sessions that must keep the process awake.
//
// The status hook, when set, receives the active count after every change.
type Leases struct {
	mu     sync.Mutex
	active map[reminder.ID]int
	total  int
	hook   func(active int)
}

// Lease is held for the lifetime of one ring session.
type Lease struct {
	owner *Leases
	id    reminder.ID
	once  sync.Once
}

func NewLeases(hook func(active int)) *Leases {
	return &Leases{active: map[reminder.ID]int{}, hook: hook}
}

func (l *Leases) Acquire(id reminder.ID) *Lease {
	l.mu.Lock()
	l.active[id]++
	l.total++
	n, hook := l.total, l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return &Lease{owner: l, id: id}
}

// Release is idempotent.
func (ls *Lease) Release() {
	if ls == nil {
		return
	}
	ls.once.Do(func() {
		l := ls.owner
		l.mu.Lock()
		if l.active[ls.id] <= 1 {
			delete(l.active, ls.id)
		} else {
			l.active[ls.id]--
		}
		l.total--
		n, hook := l.total, l.hook
		l.mu.Unlock()

		if hook != nil {
			hook(n)
		}
	})
}

func (l *Leases) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Holding reports whether id currently holds a lease.
func (l *Leases) Holding(id reminder.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[id] > 0
}
