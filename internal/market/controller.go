package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/metrics"
)

// State is the broadcast lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

const (
	// TickInterval is the publish cadence of each symbol worker.
	TickInterval = time.Second
	// PausePoll is how often a paused worker rechecks the state.
	PausePoll = 100 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("broadcast already running")
	ErrNotRunning     = errors.New("broadcast not running")
	ErrNotPaused      = errors.New("broadcast not paused")
)

// Controller drives tick broadcasting: it loads the data sources on
// Start, runs one worker goroutine per symbol, and exposes
// pause/resume/stop/restart transitions. State reads and writes go
// through one mutex; workers poll the state each tick.
type Controller struct {
	bus     *bus.Bus
	loader  *Loader
	metrics *metrics.Metrics
	log     zerolog.Logger

	dataDir      string
	fallbackFile string

	// tick and pausePoll are fixed in production, shortened by tests.
	tick      time.Duration
	pausePoll time.Duration

	mu     sync.Mutex
	state  State
	data   map[string][]TickRecord
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(b *bus.Bus, loader *Loader, dataDir, fallbackFile string, m *metrics.Metrics, log zerolog.Logger) *Controller {
	return &Controller{
		bus:          b,
		loader:       loader,
		metrics:      m,
		log:          log.With().Str("component", "broadcast").Logger(),
		dataDir:      dataDir,
		fallbackFile: fallbackFile,
		tick:         TickInterval,
		pausePoll:    PausePoll,
		state:        StateStopped,
	}
}

// Start loads the data sources and spawns one worker per symbol. Only
// legal from stopped.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrAlreadyRunning, state)
	}
	c.mu.Unlock()

	data, err := c.loader.LoadSources(c.dataDir, c.fallbackFile)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return fmt.Errorf("%w: state is %s", ErrAlreadyRunning, c.state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.data = data
	c.state = StateRunning

	for symbol, records := range data {
		c.wg.Add(1)
		go c.runWorker(ctx, symbol, records)
	}

	c.log.Info().Int("symbols", len(data)).Msg("broadcast started")
	return nil
}

// Pause freezes all workers in place. Only legal from running.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, c.state)
	}
	c.state = StatePaused
	c.log.Info().Msg("broadcast paused")
	return nil
}

// Resume continues paused workers from where they stopped. Only legal
// from paused.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotPaused, c.state)
	}
	c.state = StateRunning
	c.log.Info().Msg("broadcast resumed")
	return nil
}

// Stop cancels all workers and drops the loaded data. Legal from any
// state; stopping a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.data = nil
	wasStopped := c.state == StateStopped
	c.state = StateStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if !wasStopped {
		c.log.Info().Msg("broadcast stopped")
	}
}

// Restart is Stop followed by Start, legal from any state.
func (c *Controller) Restart() error {
	c.Stop()
	return c.Start()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the state plus loaded symbol and record counts.
func (c *Controller) Status() (State, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, records := range c.data {
		total += len(records)
	}
	return c.state, len(c.data), total
}

func (c *Controller) runWorker(ctx context.Context, symbol string, records []TickRecord) {
	defer c.wg.Done()

	log := c.log.With().Str("symbol", symbol).Logger()
	log.Info().Int("records", len(records)).Msg("worker started")

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for _, rec := range records {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker cancelled")
			return
		case <-ticker.C:
		}

		if !c.waitWhilePaused(ctx) {
			log.Debug().Msg("worker cancelled")
			return
		}

		msg := NewStockMessage(symbol, rec)
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("marshal tick")
			continue
		}
		delivered := c.bus.Publish(symbol, payload)
		c.metrics.TicksPublished.Inc()
		log.Debug().Str("date", rec.Date).Int("receivers", delivered).Msg("tick published")
	}

	log.Info().Msg("worker finished, data exhausted")
}

// waitWhilePaused blocks while the controller is paused, polling the
// state. It returns false once the worker should exit.
func (c *Controller) waitWhilePaused(ctx context.Context) bool {
	for {
		switch c.State() {
		case StateRunning:
			return true
		case StateStopped:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.pausePoll):
		}
	}
}
