package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/logging"
)

// DefaultPollInterval is how often the coordinator re-reads the registry
// listing when the config does not say otherwise.
const DefaultPollInterval = 10 * time.Second

// Poller periodically pulls the registry listing and reconciles the
// coordinator's charging point table against it.
type Poller struct {
	client   *Client
	core     *central.Central
	interval time.Duration
	log      zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPoller builds a poller over client feeding core.
func NewPoller(client *Client, core *central.Central, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		core:     core,
		interval: interval,
		log:      logging.Component("registry"),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. The first sync runs immediately so the
// coordinator does not wait one full interval for its seed listing.
func (p *Poller) Start() {
	p.log.Info().Dur("interval", p.interval).Msg("registry poller started")
	p.wg.Add(1)
	go p.loop()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	p.sync()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sync()
		case <-p.done:
			return
		}
	}
}

// sync fetches the listing and reconciles. A fetch error skips the cycle
// outright: a flapping registry must not tear down charging points.
func (p *Poller) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	seeds, err := p.client.List(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("registry listing unavailable, skipping reconciliation")
		return
	}
	added, removed := p.core.ReconcileCPs(seeds)
	if added > 0 || removed > 0 {
		p.log.Info().Int("added", added).Int("removed", removed).Msg("reconciled with registry")
	}
}

// Stop halts the loop and waits for an in-flight sync to finish.
func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}
