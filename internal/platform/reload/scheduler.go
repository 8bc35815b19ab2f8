// Package reload schedules full reloads of server state and discards
// results that complete out of order.
package reload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDelay is how long a post-write reload waits for the write to land.
const DefaultDelay = 750 * time.Millisecond

// ErrCancelled is returned by Reload after Cancel.
var ErrCancelled = errors.New("reload cancelled")

// Kind names what started a reload.
type Kind string

const (
	KindInitial   Kind = "initial"
	KindPostWrite Kind = "post-write"
	KindRealtime  Kind = "realtime"
	KindManual    Kind = "manual"
)

// Trigger describes one reload. Seq is assigned when the fetch starts and
// orders completions; Version carries the realtime listener's counter.
type Trigger struct {
	Kind    Kind
	Version uint64
	Seq     uint64
}

// FetchFunc reads the full current state.
type FetchFunc[S any] func(ctx context.Context, t Trigger) (S, error)

// ApplyFunc installs a fetched state. It is never called concurrently and
// never with a result older than one already applied.
type ApplyFunc[S any] func(t Trigger, state S)

// Stats counts reload outcomes.
type Stats struct {
	Started   uint64 `json:"started"`
	Applied   uint64 `json:"applied"`
	Discarded uint64 `json:"discarded"`
	Failed    uint64 `json:"failed"`
}

// Observer is notified of every finished reload.
type Observer interface {
	ReloadFinished(t Trigger, outcome Outcome, elapsed time.Duration)
}

// Outcome of a finished reload.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeFailed    Outcome = "failed"
)

type Options struct {
	Delay        time.Duration
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Observer     Observer
}

// Scheduler runs delayed and immediate reloads. Every reload draws a start
// sequence; a completed reload is applied only if no later-started reload
// has been applied already.
type Scheduler[S any] struct {
	fetch FetchFunc[S]
	apply ApplyFunc[S]
	opts  Options

	mu        sync.Mutex
	seq       uint64
	timers    map[*time.Timer]struct{}
	cancelled bool
	stats     Stats

	applyMu     sync.Mutex
	lastApplied uint64

	wg sync.WaitGroup
}

func New[S any](fetch FetchFunc[S], apply ApplyFunc[S], opts Options) *Scheduler[S] {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	return &Scheduler[S]{
		fetch:  fetch,
		apply:  apply,
		opts:   opts,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Initial performs the first full reload synchronously.
func (s *Scheduler[S]) Initial(ctx context.Context) error {
	t, ok := s.begin(KindInitial, 0)
	if !ok {
		return nil
	}
	defer s.wg.Done()
	return s.run(ctx, t)
}

// AfterWrite schedules a reload once the configured delay has passed.
func (s *Scheduler[S]) AfterWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.opts.Delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		s.Now(context.Background(), 0)
	})
	s.timers[timer] = struct{}{}
}

// Now starts an immediate reload in the background tagged with version.
func (s *Scheduler[S]) Now(ctx context.Context, version uint64) {
	s.spawn(ctx, kindFor(version), version)
}

// Refresh starts an immediate reload requested by the user. It reports
// false once the scheduler is cancelled.
func (s *Scheduler[S]) Refresh(ctx context.Context) bool {
	return s.spawn(ctx, KindManual, 0)
}

func (s *Scheduler[S]) spawn(ctx context.Context, kind Kind, version uint64) bool {
	t, ok := s.begin(kind, version)
	if !ok {
		return false
	}
	go func() {
		defer s.wg.Done()
		_ = s.run(context.WithoutCancel(ctx), t)
	}()
	return true
}

// Reload runs an immediate reload and returns once it has been applied,
// discarded or has failed.
func (s *Scheduler[S]) Reload(ctx context.Context, version uint64) error {
	t, ok := s.begin(kindFor(version), version)
	if !ok {
		return ErrCancelled
	}
	defer s.wg.Done()
	return s.run(ctx, t)
}

func kindFor(version uint64) Kind {
	if version == 0 {
		return KindPostWrite
	}
	return KindRealtime
}

func (s *Scheduler[S]) begin(kind Kind, version uint64) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return Trigger{}, false
	}
	s.seq++
	s.stats.Started++
	s.wg.Add(1)
	return Trigger{Kind: kind, Version: version, Seq: s.seq}, true
}

func (s *Scheduler[S]) run(ctx context.Context, t Trigger) error {
	start := time.Now()
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}

	state, err := s.fetch(ctx, t)
	if err != nil {
		s.opts.Logger.Warn().Err(err).
			Str("kind", string(t.Kind)).
			Uint64("seq", t.Seq).
			Msg("reload failed, keeping previous state")
		s.finish(t, OutcomeFailed, start)
		return err
	}

	s.applyMu.Lock()
	if t.Seq <= s.lastApplied {
		s.applyMu.Unlock()
		s.opts.Logger.Debug().Uint64("seq", t.Seq).Msg("stale reload discarded")
		s.finish(t, OutcomeDiscarded, start)
		return nil
	}
	s.lastApplied = t.Seq
	s.apply(t, state)
	s.applyMu.Unlock()

	s.finish(t, OutcomeApplied, start)
	return nil
}

func (s *Scheduler[S]) finish(t Trigger, outcome Outcome, start time.Time) {
	s.mu.Lock()
	switch outcome {
	case OutcomeApplied:
		s.stats.Applied++
	case OutcomeDiscarded:
		s.stats.Discarded++
	case OutcomeFailed:
		s.stats.Failed++
	}
	s.mu.Unlock()
	if s.opts.Observer != nil {
		s.opts.Observer.ReloadFinished(t, outcome, time.Since(start))
	}
}

// Cancel stops pending delayed reloads and refuses new ones. Fetches in
// flight finish, and their results are still applied if newest.
func (s *Scheduler[S]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	for timer := range s.timers {
		timer.Stop()
		delete(s.timers, timer)
	}
}

// Wait blocks until every started reload has finished.
func (s *Scheduler[S]) Wait() {
	s.wg.Wait()
}

// Pending returns the number of delayed reloads not yet started.
func (s *Scheduler[S]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler[S]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
