package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultPGChannel is the NOTIFY channel written by the change triggers.
const DefaultPGChannel = "dental_changes"

// OpResync marks a change synthesized after the feed reconnected. Rows may
// have changed while it was down, so subscribers should reload.
const OpResync Op = "resync"

// PGListenConn is the part of *pgx.Conn the feed needs.
type PGListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PGDialer opens a connection dedicated to LISTEN.
type PGDialer func(ctx context.Context) (PGListenConn, error)

// PGFeed listens for PostgreSQL notifications on one dedicated connection
// opened outside the pool and fans them out to patient-scoped subscribers.
// A lost connection is re-established with exponential backoff, after which
// every subscriber receives one OpResync change.
type PGFeed struct {
	dial    PGDialer
	channel string
	logger  zerolog.Logger

	// Backoff bounds between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	startMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]*pgSubscription
	nextID uint64
	loop   *pgLoop
}

// NewPGFeed dials with the pool's connection settings. The pool itself is
// never used for LISTEN.
func NewPGFeed(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *PGFeed {
	return NewPGFeedWithDialer(func(ctx context.Context) (PGListenConn, error) {
		if pool == nil {
			return nil, fmt.Errorf("no database pool configured")
		}
		cfg := pool.Config().ConnConfig
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = map[string]string{}
		}
		cfg.RuntimeParams["application_name"] = "dental-server-listen"
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, channel, logger)
}

func NewPGFeedWithDialer(dial PGDialer, channel string, logger zerolog.Logger) *PGFeed {
	if channel == "" {
		channel = DefaultPGChannel
	}
	return &PGFeed{
		dial:       dial,
		channel:    channel,
		logger:     logger.With().Str("component", "pg-feed").Logger(),
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		subs:       make(map[uint64]*pgSubscription),
	}
}

type pgLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type pgSubscription struct {
	feed      *PGFeed
	id        uint64
	patientID string
	tables    []string
	fn        func(Change)
	once      sync.Once
}

func (s *pgSubscription) Unsubscribe() error {
	s.once.Do(func() { s.feed.remove(s.id) })
	return nil
}

// Subscribe registers fn for the patient's changes. The first subscription
// opens the listen connection; its failure is returned to the caller.
func (f *PGFeed) Subscribe(ctx context.Context, patientID string, tables []string, fn func(Change)) (Subscription, error) {
	if err := validateScope(patientID, tables); err != nil {
		return nil, err
	}
	f.startMu.Lock()
	defer f.startMu.Unlock()

	f.mu.Lock()
	if f.loop != nil {
		sub := f.addLocked(patientID, tables, fn)
		f.mu.Unlock()
		return sub, nil
	}
	f.mu.Unlock()

	conn, err := f.listen(ctx)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &pgLoop{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.loop = loop
	sub := f.addLocked(patientID, tables, fn)
	f.mu.Unlock()

	go f.run(loopCtx, loop, conn)
	return sub, nil
}

// Subscribers reports the number of registered subscriptions.
func (f *PGFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *PGFeed) addLocked(patientID string, tables []string, fn func(Change)) *pgSubscription {
	f.nextID++
	sub := &pgSubscription{
		feed:      f,
		id:        f.nextID,
		patientID: patientID,
		tables:    append([]string(nil), tables...),
		fn:        fn,
	}
	f.subs[sub.id] = sub
	return sub
}

// remove drops a subscription and stops the loop after the last one.
func (f *PGFeed) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	var loop *pgLoop
	if len(f.subs) == 0 {
		loop, f.loop = f.loop, nil
	}
	f.mu.Unlock()
	if loop != nil {
		loop.cancel()
		<-loop.done
	}
}

func (f *PGFeed) listen(ctx context.Context) (PGListenConn, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		closeListenConn(conn)
		return nil, fmt.Errorf("listen %s: %w", f.channel, err)
	}
	return conn, nil
}

func (f *PGFeed) run(ctx context.Context, loop *pgLoop, conn PGListenConn) {
	defer close(loop.done)
	for {
		err := f.drain(ctx, conn)
		closeListenConn(conn)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn().Err(err).Msg("notification connection lost, reconnecting")

		conn = f.reconnect(ctx)
		if conn == nil {
			return
		}
		f.logger.Info().Msg("notification connection restored")
		f.resync()
	}
}

func (f *PGFeed) drain(ctx context.Context, conn PGListenConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := ParseChange([]byte(n.Payload))
		if err != nil {
			f.logger.Debug().Err(err).Str("payload", n.Payload).Msg("ignoring malformed notification")
			continue
		}
		f.dispatch(c)
	}
}

// reconnect retries until a connection is listening again or ctx ends.
func (f *PGFeed) reconnect(ctx context.Context) PGListenConn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.MinBackoff
	b.MaxInterval = f.MaxBackoff
	b.MaxElapsedTime = 0

	var conn PGListenConn
	err := backoff.RetryNotify(func() error {
		c, err := f.listen(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		f.logger.Warn().Err(err).Dur("retry_in", next).Msg("reconnect failed")
	})
	if err != nil {
		if conn != nil {
			closeListenConn(conn)
		}
		return nil
	}
	return conn
}

func (f *PGFeed) dispatch(c Change) {
	for _, sub := range f.snapshot() {
		if inScope(c, sub.patientID, sub.tables) {
			sub.fn(c)
		}
	}
}

func (f *PGFeed) resync() {
	now := time.Now().UTC()
	for _, sub := range f.snapshot() {
		sub.fn(Change{Table: sub.tables[0], Op: OpResync, PatientID: sub.patientID, At: now})
	}
}

func (f *PGFeed) snapshot() []*pgSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*pgSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

func closeListenConn(conn PGListenConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Close(ctx)
}

// ParseChange decodes a notification payload.
func ParseChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if c.Table == "" || c.PatientID == "" {
		return Change{}, fmt.Errorf("change is missing table or patient_id")
	}
	return c, nil
}
