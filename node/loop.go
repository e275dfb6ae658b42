// The control loop. It owns the query tracker and the peer directory, and is
// the only goroutine that ever touches either of them.

package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/overlay"
)

// Longest input line accepted. Longer lines are rejected whole.
const MaxLineLength = 64 * 1024

var (
	ErrOverlayFatal = errors.New("Overlay failed")
	ErrLineTooLong  = errors.New("line too long")
)

type State int

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	// Queries pending for this long are given up on.
	QueryTimeout time.Duration
	// How often pending queries are swept.
	Tick time.Duration
	// How long pending queries may still complete after an exit.
	DrainGrace time.Duration
	// Disconnected peers not seen for this long are forgotten.
	PeerExpiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueryTimeout: time.Second * 30,
		Tick:         time.Second,
		DrainGrace:   time.Second * 5,
		PeerExpiry:   time.Minute * 10,
	}
}

type Loop struct {
	overlay overlay.Overlay
	in      io.Reader
	out     io.Writer
	config  Config

	tracker    *Tracker
	directory  *Directory
	dispatcher *Dispatcher

	state State

	// closed by Abort
	abort     chan struct{}
	abortOnce sync.Once
}

// Lines are read from in, everything meant for the user is written to out.
func NewLoop(o overlay.Overlay, in io.Reader, out io.Writer, config Config) *Loop {
	defaults := DefaultConfig()

	if config.Tick <= 0 {
		config.Tick = defaults.Tick
	}

	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}

	tracker := NewTracker()
	directory := NewDirectory()

	return &Loop{
		overlay:    o,
		in:         in,
		out:        out,
		config:     config,
		tracker:    tracker,
		directory:  directory,
		dispatcher: NewDispatcher(tracker, directory),
		state:      Running,
		abort:      make(chan struct{}),
	}
}

func (l *Loop) State() State {
	return l.state
}

// Stops the loop without waiting for pending queries, they are abandoned.
// Safe to call from any goroutine, any number of times.
func (l *Loop) Abort() {
	l.abortOnce.Do(func() { close(l.abort) })
}

// Runs until an exit command, the end of input or ctx being cancelled, then
// drains. A cancellation during the drain, or Abort, abandons whatever is
// still pending. Only fatal overlay failures are returned.
func (l *Loop) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	input := readLines(l.in, done)
	events := l.overlay.Events()

	ticker := time.NewTicker(l.config.Tick)
	defer ticker.Stop()

	// the context only cuts the drain short if it did not start it
	interrupt := ctx.Done()

	for l.state == Running {
		select {

		case in, ok := <-input:
			if !ok {
				log.Info("Input closed")
				l.beginDrain()
				continue
			}

			if in.err != nil {
				l.print("Invalid command: %s", in.err)
				continue
			}

			l.handleLine(in.text)

		case ev, ok := <-events:
			if !ok {
				l.state = Stopped
				return fmt.Errorf("%w: event stream closed", ErrOverlayFatal)
			}

			if err := l.handleEvent(ev); err != nil {
				l.state = Stopped
				return err
			}

		case now := <-ticker.C:
			l.tick(now)

		case <-ctx.Done():
			log.Info("Interrupted")
			interrupt = nil
			l.beginDrain()

		case <-l.abort:
			l.beginDrain()
		}
	}

	return l.drain(events, ticker, interrupt)
}

func (l *Loop) beginDrain() {
	log.WithField("pending", l.tracker.Len()).Info("Draining")
	l.state = Draining
}

// Gives pending queries the grace period to complete. No new operations are
// issued from here on.
func (l *Loop) drain(events <-chan overlay.Event, ticker *time.Ticker, interrupt <-chan struct{}) error {
	grace := time.NewTimer(l.config.DrainGrace)
	defer grace.Stop()

	var err error

	for l.tracker.Len() > 0 && err == nil {
		select {

		case ev, ok := <-events:
			if !ok {
				err = fmt.Errorf("%w: event stream closed", ErrOverlayFatal)
				break
			}

			err = l.handleEvent(ev)

		case now := <-ticker.C:
			l.tick(now)

		case now := <-grace.C:
			l.abandon(now)

		case <-interrupt:
			log.Info("Interrupted again, abandoning pending queries")
			l.abandon(time.Now())

		case <-l.abort:
			l.abandon(time.Now())
		}
	}

	if l.tracker.Len() > 0 {
		l.abandon(time.Now())
	}

	l.state = Stopped
	log.Info("Stopped")

	return err
}

func (l *Loop) abandon(now time.Time) {
	for _, q := range l.tracker.Sweep(now, 0) {
		l.print("Abandoned %s %s (query %s)", q.Kind, q.Key, q.Handle)
	}
}

func (l *Loop) handleLine(line string) {
	cmd, err := Parse(line)

	if err != nil {
		if errors.Is(err, ErrEmptyLine) {
			return
		}

		log.WithField("line", line).Debug("Rejected input")
		l.print("Invalid command: %s", err)
		return
	}

	switch c := cmd.(type) {

	case Exit:
		l.beginDrain()

	case Broadcast:
		if err := l.overlay.Broadcast(c.Text); err != nil {
			l.print("Publish error: %s", err)
		}

	case Put:
		l.issue(overlay.KindPut, c.Key, func() (overlay.QueryHandle, error) {
			return l.overlay.PutRecord(c.Key, []byte(c.Value))
		})

	case Get:
		l.issue(overlay.KindGet, c.Key, func() (overlay.QueryHandle, error) {
			return l.overlay.GetRecord(c.Key)
		})

	case PutProvider:
		l.issue(overlay.KindPutProvider, c.Key, func() (overlay.QueryHandle, error) {
			return l.overlay.AnnounceProvider(c.Key)
		})

	case GetProviders:
		l.issue(overlay.KindGetProviders, c.Key, func() (overlay.QueryHandle, error) {
			return l.overlay.FindProviders(c.Key)
		})
	}
}

// The overlay hands back a handle straight away. It is registered before the
// loop looks at the next event, so the completion cannot arrive first.
func (l *Loop) issue(kind overlay.QueryKind, key string, op func() (overlay.QueryHandle, error)) {
	handle, err := op()

	if err != nil {
		l.print("%s %s failed: %s", kind, key, err)
		return
	}

	if _, err = l.tracker.Issue(handle, kind, key); err != nil {
		log.WithField("handle", handle).Error(err.Error())
		return
	}

	l.print("%s %s started (query %s)", kind, key, handle)
}

func (l *Loop) handleEvent(ev overlay.Event) error {
	if lf, ok := ev.(overlay.ListenerFailed); ok {
		return fmt.Errorf("%w: listener on %s: %v", ErrOverlayFatal, lf.Addr, lf.Err)
	}

	for _, line := range l.dispatcher.Dispatch(ev) {
		fmt.Fprintln(l.out, line)
	}

	return nil
}

func (l *Loop) tick(now time.Time) {
	for _, q := range l.tracker.Sweep(now, l.config.QueryTimeout) {
		age := q.Age.Round(time.Second)

		switch q.Kind {
		case overlay.KindGet:
			l.print("GET %s: not found (timed out after %s)", q.Key, age)
		case overlay.KindGetProviders:
			l.print("GET_PROVIDERS %s: no providers (timed out after %s)", q.Key, age)
		default:
			l.print("%s %s: failed (timed out after %s)", q.Kind, q.Key, age)
		}
	}

	for _, id := range l.directory.Prune(now, l.config.PeerExpiry) {
		log.WithField("peer", id).Debug("Forgetting unreachable peer")
	}
}

func (l *Loop) print(format string, args ...interface{}) {
	fmt.Fprintf(l.out, format+"\n", args...)
}

type inputLine struct {
	text string
	err  error
}

// Feeds lines from r into the returned channel, closing it at the end of input
// or on a read error. Lines over MaxLineLength are passed on as ErrLineTooLong.
func readLines(r io.Reader, done <-chan struct{}) <-chan inputLine {
	ret := make(chan inputLine)

	go func() {
		defer close(ret)

		reader := bufio.NewReader(r)

		for {
			text, err := readLine(reader)

			if err != nil && err != ErrLineTooLong {
				if err != io.EOF {
					log.Error(err.Error())
				}

				return
			}

			select {
			case ret <- inputLine{text, err}:
			case <-done:
				return
			}
		}
	}()

	return ret
}

// Reads up to the next newline. Once a line is too long the rest of it is
// discarded as it arrives, so memory stays bounded.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := r.ReadSlice('\n')

		if !tooLong {
			buf = append(buf, chunk...)

			if len(bytes.TrimRight(buf, "\r\n")) > MaxLineLength {
				tooLong = true
				buf = nil
			}
		}

		if err == bufio.ErrBufferFull {
			continue
		}

		// a last line with no newline still counts
		if err != nil && !(err == io.EOF && (tooLong || len(buf) > 0)) {
			return "", err
		}

		if tooLong {
			return "", ErrLineTooLong
		}

		line := strings.TrimSuffix(string(buf), "\n")

		return strings.TrimSuffix(line, "\r"), nil
	}
}
