package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through while tracking outcomes.
	StateClosed State = iota

	// StateOpen rejects calls immediately until the reset timeout elapses.
	StateOpen

	// StateHalfOpen allows exactly one trial call to probe recovery.
	StateHalfOpen
)

// String returns the state name for logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TransitionHandler observes state transitions. Implementations must not
// block; they run under the breaker lock.
type TransitionHandler interface {
	OnStateChange(name string, from, to State)
}

// Settings configures a breaker.
type Settings struct {
	// CallTimeout bounds each guarded call independent of breaker state.
	// A timeout counts as a failure toward the threshold. Default 10s.
	CallTimeout time.Duration

	// ResetTimeout is how long the breaker stays open before allowing a
	// trial call. Default 30s.
	ResetTimeout time.Duration

	// WindowDuration is the rolling window over which error rates are
	// computed. Default 10s.
	WindowDuration time.Duration

	// WindowBuckets is the bucket count of the rolling window. Default 10.
	WindowBuckets int

	// ErrorThresholdPercent opens the breaker when the windowed error
	// percentage meets or exceeds it. Default 50.
	ErrorThresholdPercent int

	// VolumeThreshold is the minimum windowed call count before the error
	// percentage is considered, preventing premature opening on low
	// traffic. Default 10.
	VolumeThreshold int
}

func (s Settings) withDefaults() Settings {
	if s.CallTimeout == 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.WindowDuration == 0 {
		s.WindowDuration = 10 * time.Second
	}
	if s.WindowBuckets == 0 {
		s.WindowBuckets = 10
	}
	if s.ErrorThresholdPercent == 0 {
		s.ErrorThresholdPercent = 50
	}
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = 10
	}
	return s
}

// Counts is a snapshot of the rolling window.
type Counts struct {
	Calls    int
	Failures int
}

// shouldOpen is the pure closed→open decision: error percentage at or above
// threshold once the minimum volume has been observed.
func shouldOpen(c Counts, s Settings) bool {
	if c.Calls < s.VolumeThreshold {
		return false
	}
	return c.Failures*100 >= c.Calls*s.ErrorThresholdPercent
}

// Breaker guards one named upstream operation type. State is process-local;
// each gateway instance makes its own failure-isolation decisions.
type Breaker struct {
	name     string
	settings Settings
	handler  TransitionHandler
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	trialInFlight bool
	window        *rollingWindow
}

// New creates a breaker for one operation name.
func New(name string, settings Settings, handler TransitionHandler, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	return &Breaker{
		name:     name,
		settings: settings,
		handler:  handler,
		logger:   logging.WithComponent(logger, "breaker"),
		now:      time.Now,
		window:   newRollingWindow(settings.WindowDuration, settings.WindowBuckets),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker. When the circuit is open it returns
// apperrors.ErrCircuitOpen without calling fn; when fn exceeds the call
// timeout it returns apperrors.ErrUpstreamTimeout. Both are distinguishable
// from generic upstream errors so callers can produce accurate messages and
// retry guidance.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := b.beforeCall(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	// The outcome must be recorded even when fn panics, or a half-open
	// trial would stay marked in-flight and reject every later call.
	defer func() {
		if r := recover(); r != nil {
			b.afterCall(false)
			panic(r)
		}
		b.afterCall(err == nil)
	}()

	err = fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = apperrors.Wrap(apperrors.KindUnavailable, "upstream call timed out", apperrors.ErrUpstreamTimeout)
	}
	return err
}

// beforeCall admits or rejects the call and performs the open→half-open
// transition when the reset timeout has elapsed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.settings.ResetTimeout {
			return apperrors.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return apperrors.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// afterCall records the outcome and applies state transitions.
func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.window.record(now, success)
		if !success && shouldOpen(b.window.counts(now), b.settings) {
			b.openedAt = now
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.window.reset()
			b.transition(StateClosed)
		} else {
			b.openedAt = now
			b.transition(StateOpen)
		}
	case StateOpen:
		// A call admitted before the breaker opened finished late.
		// Its outcome no longer matters.
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", to.String())
	if b.handler != nil {
		b.handler.OnStateChange(b.name, from, to)
	}
}

// rollingWindow tracks call outcomes in time-ordered buckets.
type rollingWindow struct {
	bucketSpan time.Duration
	buckets    []windowBucket
}

type windowBucket struct {
	start    time.Time
	calls    int
	failures int
}

func newRollingWindow(duration time.Duration, count int) *rollingWindow {
	return &rollingWindow{
		bucketSpan: duration / time.Duration(count),
		buckets:    make([]windowBucket, count),
	}
}

func (w *rollingWindow) record(now time.Time, success bool) {
	b := w.bucket(now)
	b.calls++
	if !success {
		b.failures++
	}
}

// bucket returns the live bucket for now, recycling stale slots.
func (w *rollingWindow) bucket(now time.Time) *windowBucket {
	start := now.Truncate(w.bucketSpan)
	idx := int(start.UnixNano()/int64(w.bucketSpan)) % len(w.buckets)
	if idx < 0 {
		idx += len(w.buckets)
	}
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = windowBucket{start: start}
	}
	return b
}

func (w *rollingWindow) counts(now time.Time) Counts {
	oldest := now.Add(-w.bucketSpan * time.Duration(len(w.buckets)))
	var c Counts
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || b.start.Before(oldest) {
			continue
		}
		c.Calls += b.calls
		c.Failures += b.failures
	}
	return c
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = windowBucket{}
	}
}
