package node

import (
	"errors"
	"sort"
	"time"

	"github.com/zif/peerd/overlay"
)

var (
	ErrUnknownHandle   = errors.New("Unknown query handle")
	ErrDuplicateHandle = errors.New("Query handle is already pending")
)

type PendingQuery struct {
	Handle   overlay.QueryHandle
	Kind     overlay.QueryKind
	Key      string
	IssuedAt time.Time
}

type ResolvedQuery struct {
	PendingQuery
	Elapsed time.Duration
}

type TimedOutQuery struct {
	PendingQuery
	Age time.Duration
}

// Keeps every distributed query that has been issued but not yet completed.
// Only the control loop touches it, so there is no locking.
type Tracker struct {
	pending map[overlay.QueryHandle]*PendingQuery
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[overlay.QueryHandle]*PendingQuery),
		now:     time.Now,
	}
}

// Registers a handle the overlay just gave out, returning it for the caller to
// echo back to the user.
func (t *Tracker) Issue(handle overlay.QueryHandle, kind overlay.QueryKind, key string) (overlay.QueryHandle, error) {
	if _, has := t.pending[handle]; has {
		return handle, ErrDuplicateHandle
	}

	t.pending[handle] = &PendingQuery{
		Handle:   handle,
		Kind:     kind,
		Key:      key,
		IssuedAt: t.now(),
	}

	return handle, nil
}

// Removes and returns the query for a handle. Stale or duplicate completions
// get ErrUnknownHandle, which callers are expected to tolerate.
func (t *Tracker) Resolve(handle overlay.QueryHandle) (ResolvedQuery, error) {
	pq, has := t.pending[handle]

	if !has {
		return ResolvedQuery{}, ErrUnknownHandle
	}

	delete(t.pending, handle)

	return ResolvedQuery{PendingQuery: *pq, Elapsed: t.now().Sub(pq.IssuedAt)}, nil
}

// Removes every query issued at least timeout ago, oldest first.
func (t *Tracker) Sweep(now time.Time, timeout time.Duration) []TimedOutQuery {
	var ret []TimedOutQuery

	for h, pq := range t.pending {
		if !pq.IssuedAt.Add(timeout).After(now) {
			ret = append(ret, TimedOutQuery{PendingQuery: *pq, Age: now.Sub(pq.IssuedAt)})
			delete(t.pending, h)
		}
	}

	sortPending(ret, func(i int) PendingQuery { return ret[i].PendingQuery })

	return ret
}

func (t *Tracker) Len() int {
	return len(t.pending)
}

// A copy of everything pending, oldest first.
func (t *Tracker) Pending() []PendingQuery {
	ret := make([]PendingQuery, 0, len(t.pending))

	for _, pq := range t.pending {
		ret = append(ret, *pq)
	}

	sortPending(ret, func(i int) PendingQuery { return ret[i] })

	return ret
}

func sortPending[T any](s []T, at func(int) PendingQuery) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := at(i), at(j)

		if a.IssuedAt.Equal(b.IssuedAt) {
			return a.Handle < b.Handle
		}

		return a.IssuedAt.Before(b.IssuedAt)
	})
}
