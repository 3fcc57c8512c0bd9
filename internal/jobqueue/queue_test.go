package jobqueue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/jobqueue"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// source is a module stand in providing jobs which record their execution.
type source struct {
	key       string
	emergency bool
	fail      bool
	ran       *[]string
	mx        *sync.Mutex
}

func (s source) InstanceKey() string { return s.key }
func (s source) IsEmergency() bool   { return s.emergency }

func (s source) Jobs() job.List {
	return job.List{job.NewFunc(s.key, func(_ context.Context, progress job.ProgressFunc) job.Result {
		s.mx.Lock()
		*s.ran = append(*s.ran, s.key)
		s.mx.Unlock()
		progress.Report(0.5)
		if s.fail {
			return job.Error(s.key+" failed", "details of "+s.key)
		}
		return job.OK()
	})}
}

type recorder struct {
	mx  sync.Mutex
	ran []string
}

func (r *recorder) source(key string, emergency, fail bool) source {
	return source{key: key, emergency: emergency, fail: fail, ran: &r.ran, mx: &r.mx}
}

func (r *recorder) executed() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.ran...)
}

func run(t *testing.T, q *jobqueue.Queue) jobqueue.Outcome {
	t.Helper()
	require.NoError(t, q.Start(t.Context()))
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	outcome, err := q.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

func TestQueueEmergency(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	q := jobqueue.New()
	require.NoError(t, q.Enqueue(jobqueue.Block("install",
		r.source("A", false, false),
		r.source("B", false, true),
		r.source("C", true, false),
	)))

	outcome := run(t, q)
	require.Equal(t, []string{"A", "B", "C"}, r.executed())
	require.Equal(t, jobqueue.Failed, outcome.State)
	require.Equal(t, jobqueue.Failed, q.State())
	require.NotNil(t, outcome.Failure)
	require.Equal(t, "B", outcome.Failure.Job)
	require.Equal(t, "B failed", outcome.Failure.Message)
	require.Equal(t, "details of B", outcome.Failure.Details)
	require.NotEmpty(t, outcome.RunID)

	require.Len(t, outcome.Entries, 3)
	for _, e := range outcome.Entries {
		require.True(t, e.Ran, e.Job)
	}
	require.True(t, outcome.Entries[0].Result.Success)
	require.False(t, outcome.Entries[1].Result.Success)
	require.True(t, outcome.Entries[2].Result.Success)
}

func TestQueueFailurePolicy(t *testing.T) {
	t.Parallel()

	// block layout: names, with ! for failing and * for emergency entries
	type given struct {
		blocks [][]string
	}
	type then struct {
		state    jobqueue.State
		executed []string
		skipped  []string
		failure  string
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			"all succeed",
			given{[][]string{{"a", "b"}, {"c"}}},
			then{jobqueue.Completed, []string{"a", "b", "c"}, nil, ""},
		},
		{
			"failure skips the rest",
			given{[][]string{{"a", "b!", "c"}, {"d"}}},
			then{jobqueue.Failed, []string{"a", "b!"}, []string{"c", "d"}, "b!"},
		},
		{
			"emergency in later block runs",
			given{[][]string{{"a!", "b"}, {"c", "d*"}}},
			then{jobqueue.Failed, []string{"a!", "d*"}, []string{"b", "c"}, "a!"},
		},
		{
			"emergency before failure is not run twice",
			given{[][]string{{"a*", "b!", "c*"}}},
			then{jobqueue.Failed, []string{"a*", "b!", "c*"}, nil, "b!"},
		},
		{
			"emergency in earlier block is not rerun",
			given{[][]string{{"a*"}, {"b!"}, {"c"}}},
			then{jobqueue.Failed, []string{"a*", "b!"}, []string{"c"}, "b!"},
		},
		{
			"first failure is reported",
			given{[][]string{{"a!", "b*!", "c"}}},
			then{jobqueue.Failed, []string{"a!", "b*!"}, []string{"c"}, "a!"},
		},
		{
			"empty blocks",
			given{[][]string{{}, {}}},
			then{jobqueue.Completed, nil, nil, ""},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			r := &recorder{}
			q := jobqueue.New()
			for i, names := range tt.given.blocks {
				var sources []jobqueue.JobSource
				for _, name := range names {
					sources = append(sources, r.source(name, containsRune(name, '*'), containsRune(name, '!')))
				}
				require.NoError(t, q.Enqueue(jobqueue.Block(string(rune('0'+i)), sources...)))
			}

			outcome := run(t, q)
			require.Equal(t, tt.then.state, outcome.State)
			require.Equal(t, tt.then.executed, r.executed())

			var skipped []string
			for _, e := range outcome.Entries {
				if e.Skipped() {
					skipped = append(skipped, e.Job)
				}
			}
			require.Equal(t, tt.then.skipped, skipped)

			if tt.then.failure == "" {
				require.Nil(t, outcome.Failure)
			} else {
				require.NotNil(t, outcome.Failure)
				require.Equal(t, tt.then.failure, outcome.Failure.Job)
			}
			require.Equal(t, 1.0, q.Progress())
		})
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

type progressListener struct {
	mx       sync.Mutex
	progress []float64
	statuses []string
	finished []jobqueue.Outcome
}

func (l *progressListener) OnProgress(fraction float64, status string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.progress = append(l.progress, fraction)
	l.statuses = append(l.statuses, status)
}

func (l *progressListener) OnFinished(o jobqueue.Outcome) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.finished = append(l.finished, o)
}

func TestQueueProgress(t *testing.T) {
	t.Parallel()

	stepping := job.NewFunc("stepping", func(_ context.Context, progress job.ProgressFunc) job.Result {
		for _, f := range []float64{0.25, 0.5, 0.4, 2, -1} {
			progress.Report(f)
		}
		return job.OK()
	})
	listener := &progressListener{}
	q := jobqueue.New(jobqueue.WithListener(listener))
	require.NoError(t, q.Enqueue(
		jobqueue.ExecBlock{Name: "first", Entries: []jobqueue.Entry{
			{Job: job.NewFunc("plain", nil), Module: "plain@plain"},
			{Job: stepping, Module: "stepping@stepping"},
		}},
		jobqueue.ExecBlock{Name: "second", Entries: []jobqueue.Entry{
			{Job: job.NewFunc("last", nil), Module: "last@last"},
		}},
	))
	require.Equal(t, jobqueue.Snapshot{State: jobqueue.Idle, Total: 3}, q.Snapshot())

	outcome := run(t, q)
	require.Equal(t, jobqueue.Completed, outcome.State)

	listener.mx.Lock()
	defer listener.mx.Unlock()
	require.NotEmpty(t, listener.progress)
	for i, p := range listener.progress {
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, 1.0)
		if i > 0 {
			require.GreaterOrEqual(t, p, listener.progress[i-1], "progress went backwards at %d", i)
		}
	}
	require.InDelta(t, (1+0.5)/3.0, listener.progress[slicesIndex(listener.statuses, "stepping")+2], 1e-9)
	require.Equal(t, 1.0, listener.progress[len(listener.progress)-1])
	require.Len(t, listener.finished, 1)

	snap := q.Snapshot()
	require.Equal(t, jobqueue.Completed, snap.State)
	require.Equal(t, 3, snap.Finished)
	require.Equal(t, 3, snap.Total)
	require.Equal(t, 1.0, snap.Progress)
	require.Equal(t, outcome.RunID, snap.RunID)
}

func slicesIndex(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

func TestQueueStop(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := job.NewFunc("blocking", func(context.Context, job.ProgressFunc) job.Result {
		close(started)
		<-release
		return job.OK()
	})
	r := &recorder{}

	q := jobqueue.New()
	require.NoError(t, q.Enqueue(
		jobqueue.ExecBlock{Name: "first", Entries: []jobqueue.Entry{{Job: blocking, Module: "blocking@blocking"}}},
		jobqueue.Block("first-more", r.source("same", false, false)),
		jobqueue.Block("second", r.source("later", true, false)),
	))
	require.NoError(t, q.Start(t.Context()))
	<-started

	require.Equal(t, jobqueue.Running, q.State())
	require.ErrorIs(t, q.Start(t.Context()), jobqueue.ErrQueueRunning)
	require.ErrorIs(t, q.Enqueue(jobqueue.ExecBlock{Name: "late"}), jobqueue.ErrQueueRunning)

	q.Stop()
	close(release)
	<-q.Done()

	outcome, err := q.Wait(t.Context())
	require.NoError(t, err)
	require.True(t, outcome.Stopped)
	require.Equal(t, jobqueue.Completed, outcome.State)
	require.Empty(t, r.executed())
	require.Len(t, outcome.Entries, 3)
	require.True(t, outcome.Entries[0].Ran)
	require.True(t, outcome.Entries[1].Skipped())
	require.True(t, outcome.Entries[2].Skipped())

	require.ErrorIs(t, q.Start(t.Context()), jobqueue.ErrQueueStarted)
	require.ErrorIs(t, q.Enqueue(jobqueue.ExecBlock{Name: "late"}), jobqueue.ErrQueueStarted)
}

func TestQueueWaitContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := jobqueue.New()
	require.NoError(t, q.Enqueue(jobqueue.ExecBlock{Name: "b", Entries: []jobqueue.Entry{{
		Job: job.NewFunc("blocking", func(context.Context, job.ProgressFunc) job.Result {
			<-release
			return job.OK()
		}),
	}}}))
	require.NoError(t, q.Start(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-q.Done()
}

func TestQueueIgnoresStartCancel(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var mx sync.Mutex
	ctxErrs := map[string]error{}
	remember := func(name string, ctx context.Context) {
		mx.Lock()
		defer mx.Unlock()
		ctxErrs[name] = ctx.Err()
	}

	install := job.NewFunc("install", func(ctx context.Context, _ job.ProgressFunc) job.Result {
		close(started)
		<-release
		remember("install", ctx)
		return job.OK()
	})
	broken := job.NewFunc("broken", func(ctx context.Context, _ job.ProgressFunc) job.Result {
		remember("broken", ctx)
		return job.Error("broken failed", "")
	})
	cleanup := job.NewFunc("umount-cleanup", func(ctx context.Context, _ job.ProgressFunc) job.Result {
		remember("umount-cleanup", ctx)
		return job.OK()
	})

	q := jobqueue.New()
	require.NoError(t, q.Enqueue(
		jobqueue.ExecBlock{Name: "first", Entries: []jobqueue.Entry{
			{Job: install, Module: "unpackfs@unpackfs"},
			{Job: broken, Module: "bootloader@bootloader"},
		}},
		jobqueue.ExecBlock{Name: "second", Entries: []jobqueue.Entry{
			{Job: cleanup, Module: "umount@umount", Emergency: true},
		}},
	))

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, q.Start(ctx))
	<-started
	cancel()
	close(release)

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer waitCancel()
	outcome, err := q.Wait(waitCtx)
	require.NoError(t, err)

	require.Equal(t, jobqueue.Failed, outcome.State)
	require.Equal(t, "broken", outcome.Failure.Job)
	require.Len(t, outcome.Entries, 3)
	require.True(t, outcome.Entries[0].Result.Success)
	require.True(t, outcome.Entries[2].Ran)
	require.True(t, outcome.Entries[2].Result.Success)

	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, map[string]error{"install": nil, "broken": nil, "umount-cleanup": nil}, ctxErrs)
}

// multiSource provides n jobs with a weight.
type multiSource struct {
	key    string
	n      int
	weight float64
	fn     func(context.Context, job.ProgressFunc) job.Result
}

func (s multiSource) InstanceKey() string { return s.key }
func (s multiSource) IsEmergency() bool   { return false }
func (s multiSource) Weight() float64     { return s.weight }

func (s multiSource) Jobs() job.List {
	var jobs job.List
	for i := range s.n {
		jobs = append(jobs, job.NewFunc(fmt.Sprintf("%s-%d", s.key, i), s.fn))
	}
	return jobs
}

func TestQueueWeightedProgress(t *testing.T) {
	t.Parallel()
	var q *jobqueue.Queue
	var seen []float64
	observe := func(context.Context, job.ProgressFunc) job.Result {
		seen = append(seen, q.Progress())
		return job.OK()
	}

	block := jobqueue.Block("install",
		multiSource{key: "unpackfs@rootfs", n: 2, weight: 6, fn: observe},
		multiSource{key: "bootloader@bootloader", n: 1, weight: 0, fn: observe},
		source{key: "plain", ran: &[]string{}, mx: &sync.Mutex{}},
	)
	require.Len(t, block.Entries, 4)
	require.Equal(t, []float64{3, 3, 1, 1}, []float64{
		block.Entries[0].Weight, block.Entries[1].Weight, block.Entries[2].Weight, block.Entries[3].Weight,
	})

	q = jobqueue.New()
	require.NoError(t, q.Enqueue(block))
	outcome := run(t, q)
	require.Equal(t, jobqueue.Completed, outcome.State)
	require.Len(t, seen, 3)
	require.InDelta(t, 0.0, seen[0], 1e-9)
	require.InDelta(t, 3.0/8, seen[1], 1e-9)
	require.InDelta(t, 6.0/8, seen[2], 1e-9)
	require.Equal(t, 1.0, q.Progress())
}
