package services

// This file provides the poll loop: a single-goroutine state machine that
// fetches the offered slots, diffs them against the seen-set, sends one
// aggregated notification and persists what was announced.
//
// Failure routing:
//   - Transient and auth outages back off for TransientBackoff and do not
//     count towards the unknown-failure limit.
//   - An auth rejection triggers exactly one re-login per cycle.
//   - Unknown failures back off for UnknownBackoff; MaxUnknownFailures of
//     them in a row stop the loop.
//   - A corrupt seen-set stops the loop before the portal is contacted.

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/notify"
	"github.com/tbourn/slot-hunter/internal/observability"
	"github.com/tbourn/slot-hunter/internal/repo"
)

// Fetcher returns the slots currently offered for the criteria. Failures
// should be *domain.FetchError so the loop can route them by kind.
type Fetcher interface {
	FetchSlots(ctx context.Context, crit domain.Criteria) ([]domain.Slot, error)
}

// FetcherFactory builds a freshly authenticated Fetcher. The loop calls it
// on startup and again whenever the current session is rejected.
type FetcherFactory func(ctx context.Context) (Fetcher, error)

// Store is the durable seen-set.
type Store interface {
	Load(ctx context.Context) ([]domain.Slot, error)
	Save(ctx context.Context, slots []domain.Slot) error
	MergeAndSave(ctx context.Context, slots []domain.Slot) error
}

// State is the poll loop's position in its cycle.
type State int

const (
	// StateIdle waits for the next cycle.
	StateIdle State = iota
	// StateFetching loads the seen-set and asks the portal for slots.
	StateFetching
	// StateDiffing computes the slots not yet notified.
	StateDiffing
	// StateNotifying delivers the aggregated message and persists it.
	StateNotifying
	// StateError is entered after a failed cycle, before the backoff.
	StateError
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDiffing:
		return "diffing"
	case StateNotifying:
		return "notifying"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PollerConfig holds the loop's timing and policies.
type PollerConfig struct {
	Criteria domain.Criteria

	Interval         time.Duration // between successful cycles
	Jitter           time.Duration // random extra delay in [0, Jitter] added to Interval
	TransientBackoff time.Duration
	UnknownBackoff   time.Duration
	// MaxUnknownFailures consecutive unknown failures stop the loop.
	MaxUnknownFailures int

	FetchTimeout    time.Duration // bound on one fetch including re-auth; 0 = none
	DeliveryTimeout time.Duration // bound on one notification; 0 = none

	// MarkSeenOnDeliveryFailure persists new slots even when the
	// notification was not delivered.
	MarkSeenOnDeliveryFailure bool
	// ClearSeenOnEmpty empties the seen-set when a fetch returns no slots.
	ClearSeenOnEmpty bool

	Title            string // notification title
	NotifyOnShutdown bool
}

// Status is a point-in-time view of the loop for the ops server.
// LastCycleAt and NextCycleAt stay nil until the first cycle has run.
type Status struct {
	State              string     `json:"state"`
	Cycles             int64      `json:"cycles"`
	LastOutcome        string     `json:"last_outcome,omitempty"`
	LastCycleAt        *time.Time `json:"last_cycle_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	LastNewSlots       int        `json:"last_new_slots"`
	ConsecutiveUnknown int        `json:"consecutive_unknown_failures"`
	NextCycleAt        *time.Time `json:"next_cycle_at,omitempty"`
}

// ---- TEST SEAMS ----
var (
	// sleep waits d or until ctx is done.
	sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	// jitter returns a random duration in [0, max].
	jitter = func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}
		return rand.N(max + 1)
	}

	clock = time.Now

	// persistTimeout bounds the post-delivery seen-set write, which runs
	// detached from loop cancellation.
	persistTimeout = 10 * time.Second
)

// Option customises a Poller.
type Option func(*Poller)

// WithMetrics records cycle metrics on m.
func WithMetrics(m *observability.HunterMetrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithTransitionHook calls fn on every state change, on the loop goroutine.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(p *Poller) { p.onTransition = fn }
}

// Poller runs the fetch → diff → notify → persist cycle. It is driven by a
// single goroutine; only Status is safe to call concurrently.
type Poller struct {
	cfg        PollerConfig
	store      Store
	sender     notify.Sender
	newFetcher FetcherFactory

	metrics      *observability.HunterMetrics
	logger       zerolog.Logger
	onTransition func(from, to State)

	fetcher       Fetcher
	unknownStreak int
	state         State

	mu     sync.RWMutex
	status Status
}

// NewPoller validates cfg, fills defaults and builds a poller.
func NewPoller(cfg PollerConfig, store Store, sender notify.Sender, factory FetcherFactory, opts ...Option) (*Poller, error) {
	if factory == nil {
		return nil, ErrNoFetcher
	}
	if store == nil {
		return nil, ErrNoStore
	}
	if sender == nil {
		sender = notify.NewLogSender(nil)
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be positive")
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = 15 * time.Minute
	}
	if cfg.UnknownBackoff <= 0 {
		cfg.UnknownBackoff = time.Minute
	}
	if cfg.MaxUnknownFailures <= 0 {
		cfg.MaxUnknownFailures = 5
	}
	p := &Poller{
		cfg:        cfg,
		store:      store,
		sender:     sender,
		newFetcher: factory,
		logger:     log.Logger,
		state:      StateIdle,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With().Str("component", "poller").Logger()
	p.status.State = StateIdle.String()
	return p, nil
}

// Status returns a snapshot of the loop.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Poller) updateStatus(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

func (p *Poller) transition(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.updateStatus(func(s *Status) { s.State = to.String() })
	p.logger.Debug().Str("from", from.String()).Str("state", to.String()).Msg("transition")
	if p.onTransition != nil {
		p.onTransition(from, to)
	}
}

// Run polls until ctx is cancelled or a terminal failure occurs. The first
// cycle runs immediately. It returns ctx.Err() on cancellation, an error
// wrapping repo.ErrStoreCorrupt when the seen-set cannot be read, or one
// wrapping ErrRetriesExhausted after too many consecutive unknown failures.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Dur("jitter", p.cfg.Jitter).
		Int("max_unknown_failures", p.cfg.MaxUnknownFailures).
		Msg("poller started")
	defer p.transition(StateStopped)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}

		next := clock().Add(delay)
		p.updateStatus(func(s *Status) { s.NextCycleAt = &next })
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		p.transition(StateIdle)
	}
}

// RunOnce runs a single cycle and applies the failure policy. It returns
// the delay before the next cycle, or a terminal error.
func (p *Poller) RunOnce(ctx context.Context) (time.Duration, error) {
	start := clock()
	ctx, span := observability.Tracer().Start(ctx, "poll.cycle")
	defer span.End()

	res := p.cycle(ctx)
	dur := clock().Sub(start)

	if ctxErr := ctx.Err(); ctxErr != nil && res.err != nil {
		return 0, ctxErr
	}

	observability.RecordOutcome(span, res.outcome, res.newSlots, res.err)
	p.metrics.ObserveCycle(res.outcome, dur)
	p.updateStatus(func(s *Status) {
		s.Cycles++
		s.LastOutcome = res.outcome
		s.LastCycleAt = &start
		s.LastNewSlots = res.newSlots
		s.LastError = ""
		if res.err != nil {
			s.LastError = res.err.Error()
		}
	})

	if res.err == nil {
		p.unknownStreak = 0
		p.updateStatus(func(s *Status) { s.ConsecutiveUnknown = 0 })
		p.transition(StateIdle)
		return p.cfg.Interval + jitter(p.cfg.Jitter), nil
	}

	p.transition(StateError)

	switch res.outcome {
	case observability.OutcomeCorrupt:
		p.logger.WithLevel(zerolog.FatalLevel).Err(res.err).Msg("seen-set store is corrupt; refusing to continue with an empty history")
		p.shutdownNotice(ctx, res.err)
		return 0, res.err

	case observability.OutcomeTransient, observability.OutcomeAuth:
		p.unknownStreak = 0
		p.updateStatus(func(s *Status) { s.ConsecutiveUnknown = 0 })
		p.logger.Warn().Err(res.err).Str("kind", res.outcome).Dur("backoff", p.cfg.TransientBackoff).Msg("portal unavailable, backing off")
		return p.cfg.TransientBackoff, nil

	default:
		p.unknownStreak++
		streak := p.unknownStreak
		p.updateStatus(func(s *Status) { s.ConsecutiveUnknown = streak })
		if streak >= p.cfg.MaxUnknownFailures {
			err := fmt.Errorf("%w (%d in a row): %w", ErrRetriesExhausted, streak, res.err)
			p.logger.Error().Err(res.err).Int("failures", streak).Msg("giving up after repeated failures")
			p.shutdownNotice(ctx, err)
			return 0, err
		}
		p.logger.Error().Err(res.err).Int("failures", streak).Dur("backoff", p.cfg.UnknownBackoff).Msg("cycle failed")
		return p.cfg.UnknownBackoff, nil
	}
}

type cycleResult struct {
	outcome  string
	newSlots int
	err      error
}

func failed(outcome string, err error) cycleResult {
	return cycleResult{outcome: outcome, err: err}
}

// cycle is one IDLE → FETCHING → DIFFING → NOTIFYING pass. The seen-set is
// read before the portal is contacted so corruption stops the loop without
// touching upstream.
func (p *Poller) cycle(ctx context.Context) cycleResult {
	p.transition(StateFetching)

	seen, err := p.store.Load(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrStoreCorrupt) {
			return failed(observability.OutcomeCorrupt, err)
		}
		return failed(observability.OutcomeUnknown, fmt.Errorf("load seen-set: %w", err))
	}
	p.metrics.SetSeenSlots(len(seen))

	current, res, ok := p.fetch(ctx)
	if !ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return failed(observability.OutcomeUnknown, err)
	}

	p.transition(StateDiffing)
	fresh := Diff(current, seen)
	p.metrics.AddNewSlots(len(fresh))

	if len(current) == 0 && p.cfg.ClearSeenOnEmpty && len(seen) > 0 {
		if err := p.store.Save(ctx, nil); err != nil {
			return failed(observability.OutcomeUnknown, fmt.Errorf("clear seen-set: %w", err))
		}
		p.metrics.SetSeenSlots(0)
		p.logger.Info().Int("cleared", len(seen)).Msg("no slots offered, seen-set cleared")
	}
	if err := ctx.Err(); err != nil {
		return failed(observability.OutcomeUnknown, err)
	}

	p.transition(StateNotifying)
	if len(fresh) == 0 {
		p.logger.Info().Int("offered", len(current)).Int("new_slots", 0).Msg("no new slots")
		return cycleResult{outcome: observability.OutcomeOK}
	}

	result := p.dispatch(ctx, fresh)
	p.metrics.ObserveNotification(result.Delivered)
	if !result.Delivered {
		p.logger.Error().Str("reason", result.Reason).Int("new_slots", len(fresh)).Msg("notification not delivered")
		if !p.cfg.MarkSeenOnDeliveryFailure {
			return cycleResult{outcome: observability.OutcomeOK, newSlots: len(fresh)}
		}
	}

	if err := p.persist(ctx, fresh); err != nil {
		return failed(observability.OutcomeUnknown, fmt.Errorf("persist seen-set: %w", err))
	}
	p.metrics.SetSeenSlots(len(seen) + len(fresh))
	p.logger.Info().
		Int("offered", len(current)).
		Int("new_slots", len(fresh)).
		Bool("delivered", result.Delivered).
		Msg("new slots recorded")
	return cycleResult{outcome: observability.OutcomeOK, newSlots: len(fresh)}
}

// fetch gets current slots, dialing a session when needed and re-dialing
// once when the portal rejects the session.
func (p *Poller) fetch(ctx context.Context) ([]domain.Slot, cycleResult, bool) {
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	if p.fetcher == nil {
		f, err := p.newFetcher(ctx)
		if err != nil {
			kind := domain.KindOf(err)
			p.metrics.ObserveFetchError(kind.String())
			if kind == domain.FetchTransient {
				return nil, failed(observability.OutcomeTransient, err), false
			}
			return nil, failed(observability.OutcomeUnknown, fmt.Errorf("open session: %w", err)), false
		}
		p.fetcher = f
	}

	slots, err := p.fetcher.FetchSlots(ctx, p.cfg.Criteria)
	if err == nil {
		return slots, cycleResult{}, true
	}
	kind := domain.KindOf(err)
	p.metrics.ObserveFetchError(kind.String())
	if kind != domain.FetchAuth {
		return nil, failed(outcomeFor(kind), err), false
	}

	p.logger.Warn().Err(err).Msg("session rejected, re-authenticating")
	f, rerr := p.newFetcher(ctx)
	if rerr != nil {
		p.fetcher = nil
		p.metrics.ObserveFetchError(domain.KindOf(rerr).String())
		return nil, failed(observability.OutcomeUnknown, fmt.Errorf("re-authenticate: %w", rerr)), false
	}
	p.fetcher = f

	slots, err = p.fetcher.FetchSlots(ctx, p.cfg.Criteria)
	if err == nil {
		return slots, cycleResult{}, true
	}
	kind = domain.KindOf(err)
	p.metrics.ObserveFetchError(kind.String())
	if kind == domain.FetchAuth {
		return nil, failed(observability.OutcomeAuth, err), false
	}
	return nil, failed(outcomeFor(kind), err), false
}

// persist merges fresh into the seen-set. Once a notification has gone out
// the write must land even if the loop is being cancelled, otherwise the
// next run alerts on the same slots again.
func (p *Poller) persist(ctx context.Context, fresh []domain.Slot) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return p.store.MergeAndSave(pctx, fresh)
}

func outcomeFor(k domain.FetchKind) string {
	switch k {
	case domain.FetchTransient:
		return observability.OutcomeTransient
	case domain.FetchAuth:
		return observability.OutcomeAuth
	default:
		return observability.OutcomeUnknown
	}
}

func (p *Poller) dispatch(ctx context.Context, slots []domain.Slot) notify.Result {
	if p.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
		defer cancel()
	}
	return notify.Dispatch(ctx, p.sender, p.cfg.Title, slots)
}

// shutdownNotice makes one best-effort attempt to tell the user the loop
// is stopping. It ignores ctx cancellation of the loop itself.
func (p *Poller) shutdownNotice(ctx context.Context, cause error) {
	if !p.cfg.NotifyOnShutdown {
		return
	}
	nctx := context.WithoutCancel(ctx)
	if p.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(nctx, p.cfg.DeliveryTimeout)
		defer cancel()
	}
	res := notify.Deliver(nctx, p.sender, notify.ShutdownMessage(p.cfg.Title, cause))
	p.metrics.ObserveNotification(res.Delivered)
	if !res.Delivered {
		p.logger.Error().Str("reason", res.Reason).Msg("shutdown notice not delivered")
	}
}
