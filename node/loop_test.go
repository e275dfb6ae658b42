package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zif/peerd/overlay"
)

type fakeOverlay struct {
	mu     sync.Mutex
	next   overlay.QueryHandle
	calls  []string
	events chan overlay.Event

	broadcastErr error
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{events: make(chan overlay.Event, 16)}
}

func (f *fakeOverlay) record(call string) overlay.QueryHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
	f.next++

	return f.next
}

func (f *fakeOverlay) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeOverlay) Listen() ([]ma.Multiaddr, error) {
	return nil, nil
}

func (f *fakeOverlay) Broadcast(text string) error {
	f.record("broadcast " + text)

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.broadcastErr
}

func (f *fakeOverlay) PutRecord(key string, value []byte) (overlay.QueryHandle, error) {
	return f.record(fmt.Sprintf("putRecord %s %s", key, value)), nil
}

func (f *fakeOverlay) GetRecord(key string) (overlay.QueryHandle, error) {
	return f.record("getRecord " + key), nil
}

func (f *fakeOverlay) AnnounceProvider(key string) (overlay.QueryHandle, error) {
	return f.record("announceAsProvider " + key), nil
}

func (f *fakeOverlay) FindProviders(key string) (overlay.QueryHandle, error) {
	return f.record("findProviders " + key), nil
}

func (f *fakeOverlay) Events() <-chan overlay.Event {
	return f.events
}

// Output is written by the loop goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type harness struct {
	t       *testing.T
	overlay *fakeOverlay
	input   *io.PipeWriter
	out     *syncBuffer
	loop    *Loop
	done    chan error
}

func startLoop(t *testing.T, config Config) *harness {
	return startLoopContext(t, context.Background(), config)
}

func startLoopContext(t *testing.T, ctx context.Context, config Config) *harness {
	r, w := io.Pipe()

	h := &harness{
		t:       t,
		overlay: newFakeOverlay(),
		input:   w,
		out:     &syncBuffer{},
		done:    make(chan error, 1),
	}

	h.loop = NewLoop(h.overlay, r, h.out, config)

	go func() {
		h.done <- h.loop.Run(ctx)
	}()

	t.Cleanup(func() {
		w.Close()
	})

	return h
}

func (h *harness) send(line string) {
	_, err := io.WriteString(h.input, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) waitFor(substr string) {
	require.Eventually(h.t, func() bool {
		return strings.Contains(h.out.String(), substr)
	}, time.Second*2, time.Millisecond*5, "waiting for %q, got:\n%s", substr, h.out.String())
}

func (h *harness) wait() error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(time.Second * 2):
		h.t.Fatal("loop did not stop")
	}

	return nil
}

func testConfig() Config {
	return Config{
		QueryTimeout: time.Second * 30,
		Tick:         time.Millisecond * 5,
		DrainGrace:   time.Second,
		PeerExpiry:   time.Minute,
	}
}

func TestLoopPutScenario(t *testing.T) {
	h := startLoop(t, testConfig())

	h.send("PUT my-key my-value")
	h.waitFor("PUT my-key started (query #1)")

	assert.Equal(t, []string{"putRecord my-key my-value"}, h.overlay.Calls())

	h.overlay.events <- overlay.QueryCompleted{Handle: 1, Result: overlay.QueryResult{Stored: 1}}
	h.waitFor("PUT my-key: stored on 1 peer(s)")

	h.send("EXIT")
	require.NoError(t, h.wait())
	assert.Equal(t, Stopped, h.loop.State())
}

func TestLoopBroadcastsFreeText(t *testing.T) {
	h := startLoop(t, testConfig())

	h.send("hello world")
	h.send("EXIT")
	require.NoError(t, h.wait())

	assert.Equal(t, []string{"broadcast hello world"}, h.overlay.Calls())
}

func TestLoopPublishError(t *testing.T) {
	h := startLoop(t, testConfig())
	h.overlay.mu.Lock()
	h.overlay.broadcastErr = overlay.ErrInsufficientPeers
	h.overlay.mu.Unlock()

	h.send("anyone there")
	h.waitFor("Publish error: No peers to publish to")

	h.send("EXIT")
	require.NoError(t, h.wait())
}

func TestLoopInvalidCommandContinues(t *testing.T) {
	h := startLoop(t, testConfig())

	h.send("GET")
	h.waitFor("Invalid command: GET takes 1 argument(s), got 0")

	h.send("GET k")
	h.waitFor("GET k started")

	h.send("EXIT")
	h.overlay.events <- overlay.QueryCompleted{Handle: 1}

	require.NoError(t, h.wait())
	assert.Contains(t, h.out.String(), "GET k: not found")
}

func TestLoopLateCompletionAfterSweep(t *testing.T) {
	config := testConfig()
	config.QueryTimeout = time.Millisecond * 20

	h := startLoop(t, config)

	h.send("GET slow-key")
	h.waitFor("GET slow-key: not found (timed out")

	h.overlay.events <- overlay.QueryCompleted{Handle: 1, Result: overlay.QueryResult{Found: true, Value: []byte("late")}}
	h.waitFor("no longer pending")

	// still running
	h.send("still here")
	require.Eventually(t, func() bool {
		calls := h.overlay.Calls()
		return len(calls) == 2 && calls[1] == "broadcast still here"
	}, time.Second*2, time.Millisecond*5)

	h.send("EXIT")
	require.NoError(t, h.wait())
	assert.NotContains(t, h.out.String(), "GET slow-key: late")
}

func TestLoopExitWithNothingPending(t *testing.T) {
	config := testConfig()
	config.DrainGrace = time.Hour

	h := startLoop(t, config)

	start := time.Now()
	h.send("Exit")

	require.NoError(t, h.wait())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Stopped, h.loop.State())
}

func TestLoopDrainWaitsForPending(t *testing.T) {
	h := startLoop(t, testConfig())

	h.send("GET_PROVIDERS file")
	h.waitFor("GET_PROVIDERS file started")

	h.send("EXIT")
	h.send("GET ignored")

	h.overlay.events <- overlay.QueryCompleted{Handle: 1, Result: overlay.QueryResult{Providers: []overlay.PeerID{"p1"}}}

	require.NoError(t, h.wait())
	assert.Contains(t, h.out.String(), "GET_PROVIDERS file: p1")
	assert.Equal(t, []string{"findProviders file"}, h.overlay.Calls())
}

func TestLoopDrainGraceExpires(t *testing.T) {
	config := testConfig()
	config.DrainGrace = time.Millisecond * 20

	h := startLoop(t, config)

	h.send("PUT_PROVIDER k")
	h.waitFor("PUT_PROVIDER k started")
	h.send("EXIT")

	require.NoError(t, h.wait())
	assert.Contains(t, h.out.String(), "Abandoned PUT_PROVIDER k (query #1)")
}

func TestLoopEndOfInputDrains(t *testing.T) {
	h := startLoop(t, testConfig())

	h.input.Close()

	require.NoError(t, h.wait())
}

func TestLoopContextCancelDrains(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(newFakeOverlay(), r, io.Discard, testConfig())

	cancel()

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, Stopped, loop.State())
}

func TestLoopListenerFailedIsFatal(t *testing.T) {
	h := startLoop(t, testConfig())

	h.overlay.events <- overlay.ListenerFailed{Err: errors.New("address in use")}

	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlayFatal))
	assert.Contains(t, err.Error(), "address in use")
}

func TestLoopClosedEventsIsFatal(t *testing.T) {
	h := startLoop(t, testConfig())

	close(h.overlay.events)

	assert.ErrorIs(t, h.wait(), ErrOverlayFatal)
}

func TestLoopLongLineContinues(t *testing.T) {
	h := startLoop(t, testConfig())

	h.send(strings.Repeat("x", MaxLineLength+6000))
	h.waitFor("Invalid command: line too long")

	h.send("GET k")
	h.waitFor("GET k started")

	assert.Equal(t, Running, h.loop.State())
	assert.Equal(t, []string{"getRecord k"}, h.overlay.Calls())

	h.send("EXIT")
	h.overlay.events <- overlay.QueryCompleted{Handle: 1}
	require.NoError(t, h.wait())
}

func TestLoopLineAtLimitIsAccepted(t *testing.T) {
	h := startLoop(t, testConfig())

	text := strings.Repeat("y", MaxLineLength)
	h.send(text)
	h.send("EXIT")
	require.NoError(t, h.wait())

	assert.Equal(t, []string{"broadcast " + text}, h.overlay.Calls())
}

func TestReadLineLastLineWithoutNewline(t *testing.T) {
	lines := readLines(strings.NewReader("first\r\nsecond"), nil)

	var got []string
	for in := range lines {
		require.NoError(t, in.err)
		got = append(got, in.text)
	}

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestLoopSecondInterruptAbandons(t *testing.T) {
	config := testConfig()
	config.DrainGrace = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := startLoopContext(t, ctx, config)

	h.send("GET k")
	h.waitFor("GET k started")
	h.send("EXIT")
	// only read once the loop has taken the exit
	h.send("ignored")

	cancel()

	require.NoError(t, h.wait())
	assert.Contains(t, h.out.String(), "Abandoned GET k (query #1)")
}

func TestLoopAbort(t *testing.T) {
	config := testConfig()
	config.DrainGrace = time.Hour

	h := startLoop(t, config)

	h.send("PUT k v")
	h.waitFor("PUT k started")

	h.loop.Abort()
	h.loop.Abort()

	require.NoError(t, h.wait())
	assert.Contains(t, h.out.String(), "Abandoned PUT k (query #1)")
}

func TestNewLoopFillsInDefaults(t *testing.T) {
	loop := NewLoop(newFakeOverlay(), strings.NewReader(""), io.Discard, Config{Tick: -time.Second})

	assert.Equal(t, DefaultConfig().Tick, loop.config.Tick)
	assert.Equal(t, DefaultConfig().QueryTimeout, loop.config.QueryTimeout)
}
