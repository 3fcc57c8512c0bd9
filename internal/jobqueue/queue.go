package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/log"
)

var (
	ErrQueueRunning = errors.New("job queue is running")
	ErrQueueStarted = errors.New("job queue has already run")
)

type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is a job together with the module it came from. Weight is its
// share of the overall progress, zero counts as 1.
type Entry struct {
	Job       job.Job
	Module    string
	Emergency bool
	Weight    float64
}

func (e Entry) weight() float64 {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

// ExecBlock is a named group of entries run in order, typically one exec
// step of the installer sequence.
type ExecBlock struct {
	Name    string
	Entries []Entry
}

// JobSource provides jobs, module.Module satisfies it.
type JobSource interface {
	InstanceKey() string
	IsEmergency() bool
	Jobs() job.List
}

// WeightedSource is a JobSource with a progress weight, shared evenly by
// its jobs.
type WeightedSource interface {
	JobSource
	Weight() float64
}

// Block builds an exec block from the jobs of the sources, in order.
func Block(name string, sources ...JobSource) ExecBlock {
	b := ExecBlock{Name: name}
	for _, src := range sources {
		jobs := src.Jobs()
		weight := 1.0
		if ws, ok := src.(WeightedSource); ok && ws.Weight() > 0 {
			weight = ws.Weight()
		}
		for _, j := range jobs {
			b.Entries = append(b.Entries, Entry{
				Job:       j,
				Module:    src.InstanceKey(),
				Emergency: src.IsEmergency(),
				Weight:    weight / float64(len(jobs)),
			})
		}
	}
	return b
}

// EntryResult describes what happened to one entry.
type EntryResult struct {
	Block     string        `json:"block"`
	Module    string        `json:"module"`
	Job       string        `json:"job"`
	Emergency bool          `json:"emergency"`
	Ran       bool          `json:"ran"`
	Result    job.Result    `json:"result"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (r EntryResult) Skipped() bool {
	return !r.Ran
}

// Failure is the first job which failed.
type Failure struct {
	Block   string `json:"block"`
	Module  string `json:"module"`
	Job     string `json:"job"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Outcome struct {
	RunID   string        `json:"run_id"`
	State   State         `json:"state"`
	Stopped bool          `json:"stopped"`
	Failure *Failure      `json:"failure,omitempty"`
	Entries []EntryResult `json:"entries"`
}

// Listener is notified from the worker goroutine.
type Listener interface {
	OnProgress(fraction float64, status string)
	OnFinished(outcome Outcome)
}

// Recorder collects statistics about job execution.
type Recorder interface {
	ObserveJob(r EntryResult)
	ObserveProgress(fraction float64)
	ObserveQueue(state State, elapsed time.Duration)
}

type Option func(*Queue)

func WithListener(l Listener) Option {
	return func(q *Queue) {
		if l != nil {
			q.listener = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

// Queue runs exec blocks on a single worker goroutine.
//
// Jobs run strictly one after another. After the first failure the queue
// is Failed and only entries of emergency modules still run, in the
// failing block and all later ones. Stop prevents blocks which have not
// started yet from running. A running job is never interrupted, not even
// by canceling the context given to Start.
type Queue struct {
	listener Listener
	recorder Recorder
	done     chan struct{}

	mx       sync.Mutex
	state    State
	blocks   []ExecBlock
	stopped  bool
	runID    string
	total    int
	finished int
	// progress weights of all entries and of the finished ones
	weight     float64
	doneWeight float64
	progress   float64
	status   string
	current  string
	outcome  Outcome
}

func New(opts ...Option) *Queue {
	q := &Queue{
		listener: nopListener{},
		recorder: nopRecorder{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends blocks. It is only allowed before Start.
func (q *Queue) Enqueue(blocks ...ExecBlock) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	if err := q.idleLocked(); err != nil {
		return err
	}
	for _, b := range blocks {
		b.Entries = slices.Clone(b.Entries)
		q.blocks = append(q.blocks, b)
		q.total += len(b.Entries)
		for _, e := range b.Entries {
			q.weight += e.weight()
		}
	}
	return nil
}

// Start runs the queue in a new goroutine and returns immediately. The
// jobs see ctx values but never its cancellation, use Stop to end a run
// early.
func (q *Queue) Start(ctx context.Context) error {
	q.mx.Lock()
	if err := q.idleLocked(); err != nil {
		q.mx.Unlock()
		return err
	}
	q.state = Running
	q.runID = uuid.NewString()
	blocks := q.blocks
	q.mx.Unlock()

	ctx = log.ContextAttrs(context.WithoutCancel(ctx), slog.String("run_id", q.runID))
	go q.run(ctx, blocks)
	return nil
}

func (q *Queue) idleLocked() error {
	switch q.state {
	case Idle:
		return nil
	case Running:
		return ErrQueueRunning
	default:
		return ErrQueueStarted
	}
}

// Stop prevents exec blocks which have not started from running.
func (q *Queue) Stop() {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.stopped = true
}

// Done is closed once the queue has finished.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the queue has finished or ctx is done.
func (q *Queue) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-q.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.copyOutcomeLocked(), nil
}

func (q *Queue) State() State {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.state
}

// Progress returns the overall progress in [0,1].
func (q *Queue) Progress() float64 {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.progress
}

// Snapshot is a consistent view of a queue for status reporting.
type Snapshot struct {
	RunID    string   `json:"run_id,omitempty"`
	State    State    `json:"state"`
	Progress float64  `json:"progress"`
	Status   string   `json:"status"`
	Current  string   `json:"current,omitempty"`
	Finished int      `json:"finished"`
	Total    int      `json:"total"`
	Failure  *Failure `json:"failure,omitempty"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mx.Lock()
	defer q.mx.Unlock()
	s := Snapshot{
		RunID:    q.runID,
		State:    q.state,
		Progress: q.progress,
		Status:   q.status,
		Current:  q.current,
		Finished: q.finished,
		Total:    q.total,
	}
	if q.outcome.Failure != nil {
		f := *q.outcome.Failure
		s.Failure = &f
	}
	return s
}

func (q *Queue) copyOutcomeLocked() Outcome {
	o := q.outcome
	o.Entries = slices.Clone(o.Entries)
	if o.Failure != nil {
		f := *o.Failure
		o.Failure = &f
	}
	return o
}

func (q *Queue) run(ctx context.Context, blocks []ExecBlock) {
	defer close(q.done)
	start := time.Now()
	slog.InfoContext(ctx, "job queue started", "blocks", len(blocks), "jobs", q.total)

	failed := false
	for _, block := range blocks {
		if q.isStopped() {
			slog.InfoContext(ctx, "job queue stopped, skipping block", "block", block.Name)
			q.mx.Lock()
			q.outcome.Stopped = true
			q.mx.Unlock()
			for _, e := range block.Entries {
				q.skip(ctx, block.Name, e)
			}
			continue
		}

		for _, e := range block.Entries {
			if failed && !e.Emergency {
				q.skip(ctx, block.Name, e)
				continue
			}
			if r := q.exec(ctx, block.Name, e); !r.Result.Success && !failed {
				failed = true
				q.fail(ctx, r)
			}
		}
	}

	q.mx.Lock()
	q.state = Completed
	if failed {
		q.state = Failed
	}
	q.current = ""
	q.outcome.RunID = q.runID
	q.outcome.State = q.state
	q.setProgressLocked(1)
	state, progress, status := q.state, q.progress, q.status
	outcome := q.copyOutcomeLocked()
	q.mx.Unlock()

	elapsed := time.Since(start)
	q.recorder.ObserveProgress(progress)
	q.recorder.ObserveQueue(state, elapsed)
	q.listener.OnProgress(progress, status)
	slog.InfoContext(ctx, "job queue finished", "state", state.String(), "elapsed", elapsed)
	q.listener.OnFinished(outcome)
}

func (q *Queue) exec(ctx context.Context, blockName string, e Entry) EntryResult {
	name := e.Job.PrettyName()
	ctx = log.ContextAttrs(ctx,
		slog.String("instance_key", e.Module),
		slog.String("job_name", name),
	)

	q.mx.Lock()
	q.current = name
	q.status = name
	q.setProgressLocked(q.fractionLocked(e, 0))
	q.mx.Unlock()
	q.notifyProgress()

	slog.DebugContext(ctx, "starting job", "block", blockName, "emergency", e.Emergency)
	started := time.Now()
	res := e.Job.Exec(ctx, func(fraction float64) {
		q.mx.Lock()
		q.setProgressLocked(q.fractionLocked(e, fraction))
		if status := e.Job.PrettyStatusMessage(); status != "" {
			q.status = status
		}
		q.mx.Unlock()
		q.notifyProgress()
	})

	r := EntryResult{
		Block:     blockName,
		Module:    e.Module,
		Job:       name,
		Emergency: e.Emergency,
		Ran:       true,
		Result:    res,
		Elapsed:   time.Since(started),
	}
	if res.Success {
		slog.InfoContext(ctx, "job finished", "elapsed", r.Elapsed)
	} else {
		slog.ErrorContext(ctx, "job failed", "message", res.Message, "details", res.Details)
	}
	q.finish(r, e.weight())
	return r
}

func (q *Queue) skip(ctx context.Context, blockName string, e Entry) {
	name := e.Job.PrettyName()
	slog.DebugContext(ctx, "skipping job", "block", blockName, "instance_key", e.Module, "job_name", name)
	q.finish(EntryResult{
		Block:     blockName,
		Module:    e.Module,
		Job:       name,
		Emergency: e.Emergency,
	}, e.weight())
}

func (q *Queue) finish(r EntryResult, weight float64) {
	q.mx.Lock()
	q.finished++
	q.doneWeight += weight
	q.outcome.Entries = append(q.outcome.Entries, r)
	q.setProgressLocked(q.fractionLocked(Entry{}, 0))
	q.mx.Unlock()
	q.recorder.ObserveJob(r)
	q.notifyProgress()
}

func (q *Queue) fail(ctx context.Context, r EntryResult) {
	slog.WarnContext(ctx, "job queue failed, only emergency jobs run from now on", "instance_key", r.Module, "job_name", r.Job)
	q.mx.Lock()
	defer q.mx.Unlock()
	q.outcome.Failure = &Failure{
		Block:   r.Block,
		Module:  r.Module,
		Job:     r.Job,
		Message: r.Result.Message,
		Details: r.Result.Details,
	}
}

func (q *Queue) isStopped() bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.stopped
}

// fractionLocked is the weighted progress with current done of the
// running entry e.
func (q *Queue) fractionLocked(e Entry, current float64) float64 {
	if q.weight == 0 {
		return 1
	}
	return (q.doneWeight + clamp(current)*e.weight()) / q.weight
}

// setProgressLocked never lets the progress go backwards.
func (q *Queue) setProgressLocked(fraction float64) {
	fraction = clamp(fraction)
	if fraction > q.progress {
		q.progress = fraction
	}
}

func (q *Queue) notifyProgress() {
	q.mx.Lock()
	progress, status := q.progress, q.status
	q.mx.Unlock()
	q.recorder.ObserveProgress(progress)
	q.listener.OnProgress(progress, status)
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

type nopListener struct{}

func (nopListener) OnProgress(float64, string) {}
func (nopListener) OnFinished(Outcome)         {}

type nopRecorder struct{}

func (nopRecorder) ObserveJob(EntryResult)            {}
func (nopRecorder) ObserveProgress(float64)           {}
func (nopRecorder) ObserveQueue(State, time.Duration) {}
