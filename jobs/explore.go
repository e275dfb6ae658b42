package jobs

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zif/peerd/dht"
)

const ExploreFrequency = time.Minute * 2
const ExploreBufferSize = 100

// Peers explored per tick.
const ExploreBatch = 3

// Anything that can be asked for the peers it knows nearest to an address.
type Explorable interface {
	FindClosest(dht.Address) (dht.Entries, error)
}

type ExploreConfig struct {
	Self      dht.Address
	Frequency time.Duration

	// Called whenever there is nothing left to explore.
	Seed func() dht.Entries

	Connect func(*dht.Entry) (Explorable, error)

	// Called for every entry a peer tells us about. Returns true if the entry
	// was new, in which case it is explored in turn.
	Found func(*dht.Entry) bool
}

// This job runs every two minutes, and tries to build the routing table with
// as many entries as it possibly can.
type Explorer struct {
	config ExploreConfig
	queue  chan *dht.Entry

	stop chan struct{}
	once sync.Once
}

func NewExplorer(config ExploreConfig) *Explorer {
	if config.Frequency <= 0 {
		config.Frequency = ExploreFrequency
	}

	return &Explorer{
		config: config,
		queue:  make(chan *dht.Entry, ExploreBufferSize),
		stop:   make(chan struct{}),
	}
}

func (ex *Explorer) Start() {
	go ex.run()
}

func (ex *Explorer) Stop() {
	ex.once.Do(func() { close(ex.stop) })
}

// Queues an entry to be explored. Dropped if the queue is full.
func (ex *Explorer) Add(e *dht.Entry) {
	select {
	case ex.queue <- e:
	default:
	}
}

func (ex *Explorer) run() {
	ticker := time.NewTicker(ex.config.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ex.tick()
		case <-ex.stop:
			return
		}
	}
}

func (ex *Explorer) tick() {
	if len(ex.queue) == 0 {
		log.Debug("Seeding peer explore")

		seed := ex.config.Seed()
		dht.ShuffleEntries(seed)

		for _, e := range seed {
			ex.Add(e)
		}
	}

	for i := 0; i < ExploreBatch; i++ {
		select {
		case e := <-ex.queue:
			if e.Address.Equals(&ex.config.Self) {
				continue
			}

			if err := ex.explorePeer(e); err != nil {
				log.WithField("peer", e.Address.StringOr("")).Debug(err.Error())
			}
		case <-ex.stop:
			return
		default:
			return
		}
	}
}

func (ex *Explorer) explorePeer(e *dht.Entry) error {
	log.WithField("peer", e.Address.StringOr("")).Debug("Exploring")

	p, err := ex.config.Connect(e)

	if err != nil {
		return err
	}

	randAddr, err := dht.RandomAddress()

	if err != nil {
		return err
	}

	for _, target := range []dht.Address{*randAddr, ex.config.Self} {
		closest, err := p.FindClosest(target)

		if err != nil {
			return err
		}

		for _, i := range closest {
			if i.Address.Equals(&ex.config.Self) {
				continue
			}

			if ex.config.Found(i) {
				ex.Add(i)
			}
		}
	}

	return nil
}
