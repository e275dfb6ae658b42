package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zif/peerd/overlay"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func trackerWithClock() (*Tracker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker()
	tr.now = c.now

	return tr, c
}

func TestTrackerIssueDistinctHandles(t *testing.T) {
	tr, _ := trackerWithClock()

	for i := 1; i <= 10; i++ {
		h, err := tr.Issue(overlay.QueryHandle(i), overlay.KindGet, "k")

		require.NoError(t, err)
		assert.Equal(t, overlay.QueryHandle(i), h)
	}

	assert.Equal(t, 10, tr.Len())

	_, err := tr.Issue(3, overlay.KindPut, "other")
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	assert.Equal(t, 10, tr.Len())
}

func TestTrackerResolve(t *testing.T) {
	tr, c := trackerWithClock()

	_, err := tr.Issue(7, overlay.KindGetProviders, "file")
	require.NoError(t, err)

	c.advance(time.Second * 2)

	rq, err := tr.Resolve(7)
	require.NoError(t, err)

	assert.Equal(t, overlay.KindGetProviders, rq.Kind)
	assert.Equal(t, "file", rq.Key)
	assert.Equal(t, time.Second*2, rq.Elapsed)
	assert.Equal(t, 0, tr.Len())

	// twice, and one that was never issued
	_, err = tr.Resolve(7)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = tr.Resolve(99)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestTrackerSweep(t *testing.T) {
	tr, c := trackerWithClock()
	start := c.t

	tr.Issue(1, overlay.KindGet, "old")
	c.advance(time.Second * 10)
	tr.Issue(2, overlay.KindPut, "young")

	now := start.Add(time.Second * 30)
	swept := tr.Sweep(now, time.Second*30)

	require.Len(t, swept, 1)
	assert.Equal(t, overlay.QueryHandle(1), swept[0].Handle)
	assert.Equal(t, time.Second*30, swept[0].Age)

	// same now again removes nothing more
	assert.Empty(t, tr.Sweep(now, time.Second*30))

	pending := tr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "young", pending[0].Key)

	// the swept handle is gone for good
	_, err := tr.Resolve(1)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestTrackerSweepOrder(t *testing.T) {
	tr, c := trackerWithClock()

	for _, h := range []overlay.QueryHandle{5, 3, 9} {
		tr.Issue(h, overlay.KindGet, "k")
		c.advance(time.Millisecond)
	}

	swept := tr.Sweep(c.t, 0)
	require.Len(t, swept, 3)

	assert.Equal(t, overlay.QueryHandle(5), swept[0].Handle)
	assert.Equal(t, overlay.QueryHandle(3), swept[1].Handle)
	assert.Equal(t, overlay.QueryHandle(9), swept[2].Handle)
	assert.Equal(t, 0, tr.Len())
}
