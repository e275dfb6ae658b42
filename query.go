package peerd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/overlay"
)

var (
	ErrQuorum     = errors.New("Failed to reach quorum")
	ErrNoProvider = errors.New("No provider served the content")
)

// Asks one peer during a lookup. Returns the peers it knows closer to the
// target, and whether the lookup can stop.
type visitFunc func(p *Peer) (closer dht.Entries, done bool, err error)

// Runs fn in the background, and reports its result as the one QueryCompleted
// for the returned handle.
func (lp *LocalPeer) query(key string, fn func(context.Context, overlay.QueryHandle) (overlay.QueryResult, error)) (overlay.QueryHandle, error) {
	if _, _, err := dht.KeyAddress(key); err != nil {
		return 0, err
	}

	select {
	case <-lp.done:
		return 0, overlay.ErrClosed
	default:
	}

	handle := lp.nextHandle()

	go func() {
		ctx, cancel := lp.queryContext()
		defer cancel()

		res, err := fn(ctx, handle)

		if err == nil && ctx.Err() == context.DeadlineExceeded {
			log.WithField("query", handle.String()).Debug("Query hit its deadline")
		}

		lp.emit(overlay.QueryCompleted{Handle: handle, Result: res, Err: err})
	}()

	return handle, nil
}

func (lp *LocalPeer) queryContext() (context.Context, context.CancelFunc) {
	deadline := lp.options.QueryDeadline

	if deadline <= 0 {
		deadline = time.Minute * 5
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)

	go func() {
		select {
		case <-lp.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func (lp *LocalPeer) GetRecord(key string) (overlay.QueryHandle, error) {
	return lp.query(key, func(ctx context.Context, handle overlay.QueryHandle) (overlay.QueryResult, error) {
		local, err := lp.DHT.GetRecord(key)

		if err != nil {
			return overlay.QueryResult{}, err
		}

		if local != nil {
			return overlay.QueryResult{Found: true, Value: local.Value}, nil
		}

		_, target, _ := dht.KeyAddress(key)

		var mu sync.Mutex
		var found *dht.Record

		count := func() int {
			mu.Lock()
			defer mu.Unlock()

			if found != nil {
				return 1
			}

			return 0
		}

		lp.walk(ctx, handle, target, count, func(p *Peer) (dht.Entries, bool, error) {
			res, err := p.GetRecord(key)

			if err != nil {
				return nil, false, err
			}

			if res.Record == nil || res.Record.Expired(time.Now()) {
				return res.Closer, false, nil
			}

			mu.Lock()
			defer mu.Unlock()

			if found == nil {
				found = res.Record
			}

			return nil, true, nil
		})

		mu.Lock()
		defer mu.Unlock()

		if found == nil {
			return overlay.QueryResult{}, nil
		}

		return overlay.QueryResult{Found: true, Value: found.Value}, nil
	})
}

func (lp *LocalPeer) FindProviders(key string) (overlay.QueryHandle, error) {
	return lp.query(key, func(ctx context.Context, handle overlay.QueryHandle) (overlay.QueryResult, error) {
		entries, err := lp.lookupProviders(ctx, handle, key)

		if err != nil {
			return overlay.QueryResult{}, err
		}

		providers := make([]overlay.PeerID, 0, len(entries))

		for _, e := range entries {
			providers = append(providers, peerID(&e.Address))
		}

		return overlay.QueryResult{Found: len(providers) > 0, Providers: providers}, nil
	})
}

// Every distinct provider of key we know of or can find, stopping early once
// there are k of them.
func (lp *LocalPeer) lookupProviders(ctx context.Context, handle overlay.QueryHandle, key string) (dht.Entries, error) {
	_, target, _ := dht.KeyAddress(key)

	var mu sync.Mutex
	seen := make(map[string]bool)
	providers := make(dht.Entries, 0)

	collect := func(entries dht.Entries) int {
		mu.Lock()
		defer mu.Unlock()

		for _, e := range entries {
			id := string(e.Address.Raw)

			if seen[id] {
				continue
			}

			seen[id] = true
			providers = append(providers, e)
		}

		return len(providers)
	}

	count := func() int {
		return collect(nil)
	}

	local, err := lp.DHT.GetProviders(key)

	if err != nil {
		return nil, err
	}

	collect(local)

	lp.walk(ctx, handle, target, count, func(p *Peer) (dht.Entries, bool, error) {
		res, err := p.GetProviders(key)

		if err != nil {
			return nil, false, err
		}

		return res.Closer, collect(res.Providers) >= dht.BucketSize, nil
	})

	mu.Lock()
	defer mu.Unlock()

	ret := make(dht.Entries, len(providers))
	copy(ret, providers)

	return ret, nil
}

// Serves data under key, then announces us as a provider of it.
func (lp *LocalPeer) ProvideContent(key string, data []byte) (overlay.QueryHandle, error) {
	if err := lp.DHT.PutContent(key, data); err != nil {
		return 0, err
	}

	return lp.AnnounceProvider(key)
}

// Finds the providers of key and fetches the content from whichever answers
// first. The completion carries the content in Value, and the provider that
// served it in Providers.
func (lp *LocalPeer) FetchContent(key string) (overlay.QueryHandle, error) {
	return lp.query(key, func(ctx context.Context, handle overlay.QueryHandle) (overlay.QueryResult, error) {
		local, err := lp.DHT.GetContent(key)

		if err != nil {
			return overlay.QueryResult{}, err
		}

		if local != nil {
			return overlay.QueryResult{Found: true, Value: local, Providers: []overlay.PeerID{lp.ID()}}, nil
		}

		providers, err := lp.lookupProviders(ctx, handle, key)

		if err != nil {
			return overlay.QueryResult{}, err
		}

		if len(providers) == 0 {
			return overlay.QueryResult{}, nil
		}

		data, from, err := lp.fetchFrom(ctx, key, providers)

		if err != nil {
			return overlay.QueryResult{}, err
		}

		return overlay.QueryResult{Found: true, Value: data, Providers: []overlay.PeerID{from}}, nil
	})
}

// Asks every provider at once. The first to hand the content over wins, the
// rest are ignored.
func (lp *LocalPeer) fetchFrom(ctx context.Context, key string, providers dht.Entries) ([]byte, overlay.PeerID, error) {
	type result struct {
		data []byte
		from overlay.PeerID
		err  error
	}

	results := make(chan result, len(providers))
	asked := 0

	for _, e := range providers {
		if e.Address.Equals(&lp.address) {
			continue
		}

		asked++

		go func(e *dht.Entry) {
			p, err := lp.peerManager.ConnectPeer(e)

			if err != nil {
				results <- result{err: err}
				return
			}

			res, err := p.Fetch(key)

			if err == nil && !res.Found {
				err = errors.New("Provider does not serve the content")
			}

			if err != nil {
				results <- result{from: p.ID(), err: err}
				return
			}

			results <- result{data: res.Data, from: p.ID()}
		}(e)
	}

	for i := 0; i < asked; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				return r.data, r.from, nil
			}

			log.WithFields(log.Fields{"key": key, "peer": r.from.String()}).Debug("Fetch failed: ", r.err.Error())

		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	return nil, "", ErrNoProvider
}

func (lp *LocalPeer) PutRecord(key string, value []byte) (overlay.QueryHandle, error) {
	record := dht.NewRecord(key, value, lp.address, lp.DHT.RecordTTL)

	if !record.Valid() {
		return 0, dht.ErrInvalidRecord
	}

	return lp.query(key, func(ctx context.Context, handle overlay.QueryHandle) (overlay.QueryResult, error) {
		if err := lp.DHT.PutRecord(record); err != nil {
			return overlay.QueryResult{}, err
		}

		_, target, _ := dht.KeyAddress(key)

		stored := lp.replicate(ctx, handle, target, func(p *Peer) error {
			return p.PutRecord(record)
		})

		return overlay.QueryResult{Stored: stored}, lp.checkQuorum(stored)
	})
}

func (lp *LocalPeer) AnnounceProvider(key string) (overlay.QueryHandle, error) {
	return lp.query(key, func(ctx context.Context, handle overlay.QueryHandle) (overlay.QueryResult, error) {
		entry := lp.Entry()

		if err := lp.DHT.AddProvider(key, entry); err != nil {
			return overlay.QueryResult{}, err
		}

		_, target, _ := dht.KeyAddress(key)

		stored := lp.replicate(ctx, handle, target, func(p *Peer) error {
			return p.AddProvider(key, entry)
		})

		return overlay.QueryResult{Stored: stored}, lp.checkQuorum(stored)
	})
}

func (lp *LocalPeer) checkQuorum(stored int) error {
	if stored < lp.options.Quorum {
		return fmt.Errorf("%w, stored on %d of %d peer(s)", ErrQuorum, stored, lp.options.Quorum)
	}

	return nil
}

// Finds the peers closest to target, then sends to each of them. Returns how
// many accepted.
func (lp *LocalPeer) replicate(ctx context.Context, handle overlay.QueryHandle, target dht.Address, send func(*Peer) error) int {
	closest := lp.walk(ctx, handle, target, nil, func(p *Peer) (dht.Entries, bool, error) {
		closer, err := p.FindClosest(target)

		return closer, false, err
	})

	if len(closest) > dht.BucketSize {
		closest = closest[:dht.BucketSize]
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	stored := 0

	for _, e := range closest {
		wg.Add(1)

		go func(e *dht.Entry) {
			defer wg.Done()

			p, err := lp.peerManager.ConnectPeer(e)

			if err == nil {
				err = send(p)
			}

			if err != nil {
				log.WithField("peer", e.Address.StringOr("")).Debug("Store failed: ", err.Error())
				return
			}

			mu.Lock()
			stored++
			mu.Unlock()
		}(e)
	}

	wg.Wait()

	return stored
}

// An iterative lookup. Alpha peers at a time are asked about target, starting
// from the closest we know of, and anything closer they return is asked in
// turn. Ends once the closest peers have all been asked, when a visit says it
// is done, or when ctx ends. Returns the peers that answered, closest first.
func (lp *LocalPeer) walk(ctx context.Context, handle overlay.QueryHandle, target dht.Address, found func() int, visit visitFunc) dht.Entries {
	type result struct {
		entry  *dht.Entry
		closer dht.Entries
		done   bool
		err    error
	}

	list := newShortlist(target, lp.address)
	list.add(lp.DHT.FindClosest(target, dht.BucketSize)...)
	list.add(lp.peerManager.closestConnected(target)...)

	responded := make(dht.Entries, 0)

	for ctx.Err() == nil {
		batch := list.next(lp.options.Alpha)

		if len(batch) == 0 {
			break
		}

		results := make(chan result, len(batch))

		for _, e := range batch {
			go func(e *dht.Entry) {
				p, err := lp.peerManager.ConnectPeer(e)

				if err != nil {
					results <- result{entry: e, err: err}
					return
				}

				closer, done, err := visit(p)
				results <- result{e, closer, done, err}
			}(e)
		}

		done := false

		for range batch {
			var r result

			select {
			case r = <-results:
			case <-ctx.Done():
				return sortByDistance(responded, target)
			}

			if r.err != nil {
				if r.err == ErrPeerUnreachable {
					lp.DHT.Remove(r.entry.Address)
				}

				log.WithFields(log.Fields{
					"peer":  r.entry.Address.StringOr(""),
					"query": handle.String(),
				}).Debug("Lookup step failed: ", r.err.Error())

				continue
			}

			responded = append(responded, r.entry)

			progress := 0
			if found != nil {
				progress = found()
			}

			lp.emit(overlay.QueryProgress{Handle: handle, Peer: peerID(&r.entry.Address), Found: progress})

			for _, c := range r.closer {
				lp.addEntry(c)
			}

			list.add(r.closer...)
			done = done || r.done
		}

		if done {
			break
		}
	}

	return sortByDistance(responded, target)
}

// Candidates for a lookup, closest to the target first.
type shortlist struct {
	target  dht.Address
	self    dht.Address
	entries dht.Entries
	seen    map[string]bool
	queried map[string]bool
}

func newShortlist(target, self dht.Address) *shortlist {
	return &shortlist{
		target:  target,
		self:    self,
		entries: make(dht.Entries, 0),
		seen:    make(map[string]bool),
		queried: make(map[string]bool),
	}
}

func (s *shortlist) add(entries ...*dht.Entry) {
	for _, e := range entries {
		if e == nil || e.Address.Equals(&s.self) {
			continue
		}

		key := string(e.Address.Raw)

		if s.seen[key] {
			continue
		}

		s.seen[key] = true
		s.entries = append(s.entries, e)
	}

	s.entries = sortByDistance(s.entries, s.target)
}

// Up to n entries not yet asked, from among the k closest.
func (s *shortlist) next(n int) dht.Entries {
	ret := make(dht.Entries, 0, n)

	for i, e := range s.entries {
		if i >= dht.BucketSize || len(ret) >= n {
			break
		}

		key := string(e.Address.Raw)

		if s.queried[key] {
			continue
		}

		s.queried[key] = true
		ret = append(ret, e)
	}

	return ret
}

func sortByDistance(entries dht.Entries, target dht.Address) dht.Entries {
	ret := make(dht.Entries, len(entries))
	copy(ret, entries)

	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].Address.Xor(&target).Less(ret[j].Address.Xor(&target))
	})

	return ret
}
