package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// State of a Listener.
type State string

const (
	StateIdle      State = "idle"
	StateReloading State = "reload-in-flight"
)

// ReloadFunc runs one full reload tagged with version and returns when it
// has finished.
type ReloadFunc func(ctx context.Context, version uint64) error

// Listener turns change notifications into reloads. Every notification
// bumps a monotonic version and starts one reload tagged with it; reloads
// overlap freely and the reload side decides which result wins.
type Listener struct {
	feed      Feed
	patientID string
	tables    []string
	reload    ReloadFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	version  uint64
	inflight int
	sub      Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

func NewListener(feed Feed, patientID string, tables []string, reload ReloadFunc, logger zerolog.Logger) *Listener {
	return &Listener{
		feed:      feed,
		patientID: patientID,
		tables:    append([]string(nil), tables...),
		reload:    reload,
		logger:    logger.With().Str("component", "realtime-listener").Str("patient_id", patientID).Logger(),
	}
}

// Start subscribes to the feed. Reloads run with a context derived from ctx
// that is cancelled by Stop.
func (l *Listener) Start(ctx context.Context) error {
	if err := validateScope(l.patientID, l.tables); err != nil {
		return err
	}
	l.mu.Lock()
	if l.sub != nil || l.stopped {
		l.mu.Unlock()
		return errors.New("realtime: listener already started")
	}
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Unlock()

	sub, err := l.feed.Subscribe(ctx, l.patientID, l.tables, l.handle)
	if err != nil {
		l.cancel()
		return err
	}
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *Listener) handle(c Change) {
	l.mu.Lock()
	if l.stopped || l.ctx == nil {
		l.mu.Unlock()
		return
	}
	l.version++
	v := l.version
	l.inflight++
	ctx := l.ctx
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Debug().Str("table", c.Table).Str("op", string(c.Op)).Uint64("version", v).Msg("change received")

	go func() {
		defer l.wg.Done()
		if err := l.reload(ctx, v); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn().Err(err).Uint64("version", v).Msg("realtime reload failed")
		}
		l.mu.Lock()
		l.inflight--
		l.mu.Unlock()
	}()
}

// Version returns the number of notifications received.
func (l *Listener) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// State reports whether a reload is in flight, with the newest version.
func (l *Listener) State() (State, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		return StateReloading, l.version
	}
	return StateIdle, l.version
}

// Stop unsubscribes and waits for running reloads to return.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	sub := l.sub
	cancel := l.cancel
	l.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	return err
}
