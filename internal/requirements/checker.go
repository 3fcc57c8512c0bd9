package requirements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/calamares-go/installer/internal/parallel"
)

var ErrCheckInProgress = errors.New("requirements check already in progress")

type State int

const (
	Idle State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "idle"
	}
}

const DefaultInterval = 1200 * time.Millisecond

// Result of one checking pass. Entries are in completion order.
type Result struct {
	Satisfied bool `json:"satisfied"`
	Entries   List `json:"entries"`
}

type Option func(*Checker)

// WithInterval sets how often progress is reported while probes run.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithListener(l Listener) Option {
	return func(c *Checker) {
		if l != nil {
			c.listener = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Checker) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Checker runs the requirement probes of all modules concurrently and
// aggregates their entries into a single verdict.
//
// Every probe runs in its own goroutine. Results are funnelled into the
// goroutine which called Run, which is the only writer of the entries and
// the outstanding set. A gocron duration job reports the outstanding
// probes until the set is empty.
type Checker struct {
	probers  []Prober
	interval time.Duration
	listener Listener
	recorder Recorder

	mx          sync.Mutex
	state       State
	entries     List
	outstanding map[int]string
	started     time.Time
}

func NewChecker(probers []Prober, opts ...Option) *Checker {
	c := &Checker{
		probers:  slices.Clone(probers),
		interval: DefaultInterval,
		listener: nopListener{},
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs a full checking pass and blocks until every probe has
// reported. Each call discards the entries of the previous pass.
func (c *Checker) Run(ctx context.Context) (Result, error) {
	c.mx.Lock()
	if c.state == Running {
		c.mx.Unlock()
		return Result{}, ErrCheckInProgress
	}
	c.state = Running
	c.entries = nil
	c.started = time.Now()
	c.outstanding = make(map[int]string, len(c.probers))
	indexes := make([]int, len(c.probers))
	for i, p := range c.probers {
		c.outstanding[i] = p.InstanceKey()
		indexes[i] = i
	}
	c.mx.Unlock()

	slog.DebugContext(ctx, "checking requirements", "modules", len(c.probers))

	var scheduler gocron.Scheduler
	if len(c.probers) > 0 {
		var err error
		scheduler, err = c.newProgressScheduler(ctx)
		if err != nil {
			slog.WarnContext(ctx, "requirements progress is not reported", "error", err)
		} else {
			scheduler.Start()
		}
	}

	for r := range parallel.Map(ctx, 0, indexes, c.probe) {
		key := c.probers[r.Input].InstanceKey()
		fragment := r.Value
		if r.Err != nil {
			slog.ErrorContext(ctx, "requirements probe failed", "instance_key", key, "error", r.Err)
			fragment = List{{
				Name:      key,
				Mandatory: true,
				Details:   fmt.Sprintf("checking requirements of %s failed: %v", key, r.Err),
			}}
			c.recorder.ObserveProbe(key, time.Since(c.started), fragment)
		}

		c.mx.Lock()
		delete(c.outstanding, r.Input)
		c.entries = append(c.entries, fragment...)
		remaining := len(c.outstanding)
		c.mx.Unlock()

		slog.DebugContext(ctx, "requirements checked", "instance_key", key, "entries", len(fragment), "remaining", remaining)
		c.listener.RequirementsResult(key, slices.Clone(fragment))
	}

	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}

	c.mx.Lock()
	c.state = Finished
	entries := slices.Clone(c.entries)
	elapsed := time.Since(c.started)
	c.mx.Unlock()

	satisfied := entries.Satisfied()
	c.recorder.ObserveCheck(elapsed, satisfied)
	slog.InfoContext(ctx, "requirements checking complete", "satisfied", satisfied, "entries", len(entries), "elapsed", elapsed)

	c.listener.RequirementsComplete(satisfied)
	c.listener.Done()
	return Result{Satisfied: satisfied, Entries: entries}, nil
}

// State returns the state of the current pass.
func (c *Checker) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Snapshot returns the state and a copy of the entries collected so far.
func (c *Checker) Snapshot() (State, List) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state, slices.Clone(c.entries)
}

// Outstanding returns the instance keys of the probes still running,
// sorted.
func (c *Checker) Outstanding() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	keys := make([]string, 0, len(c.outstanding))
	for _, k := range c.outstanding {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (c *Checker) probe(ctx context.Context, i int) (List, error) {
	p := c.probers[i]
	start := time.Now()
	entries := p.CheckRequirements(ctx)
	c.recorder.ObserveProbe(p.InstanceKey(), time.Since(start), entries)
	return entries, nil
}

func (c *Checker) reportProgress(ctx context.Context) {
	c.mx.Lock()
	count := len(c.outstanding)
	seconds := int(time.Since(c.started) / time.Second)
	c.mx.Unlock()
	if count == 0 {
		return
	}
	msg := fmt.Sprintf("Waiting for %d module(s). (%d second(s))", count, seconds)
	slog.DebugContext(ctx, msg, "remaining", c.Outstanding())
	c.listener.RequirementsProgress(msg)
}

func (c *Checker) newProgressScheduler(ctx context.Context) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() { c.reportProgress(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
