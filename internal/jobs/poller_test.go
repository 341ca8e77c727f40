package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// fakeScheduler captures scheduled ticks so tests drive time by hand
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	fn        func()
	cancelled bool
	fired     bool
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{fn: fn}
	s.pending = append(s.pending, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// fire runs the oldest live timer synchronously
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()

	s.mu.Lock()
	var next *fakeTimer
	for _, tm := range s.pending {
		if !tm.cancelled && !tm.fired {
			next = tm
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	require.NotNil(t, next, "no live timer to fire")
	next.fn()
}

// live counts timers that are armed and not yet fired
func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tm := range s.pending {
		if !tm.cancelled && !tm.fired {
			n++
		}
	}
	return n
}

// pollResp is one scripted GetJobStatus answer
type pollResp struct {
	res market.JobStatusResult
	err error
}

// fakeAnalysis is a scripted market.AnalysisService
type fakeAnalysis struct {
	mu        sync.Mutex
	submitErr error
	nextID    int
	script    []pollResp
	polled    []string // job ids polled, in order
}

func (f *fakeAnalysis) SubmitAnalysisJob(ctx context.Context, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeAnalysis) GetJobStatus(ctx context.Context, jobID string) (market.JobStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polled = append(f.polled, jobID)
	if len(f.script) == 0 {
		return market.JobStatusResult{Status: market.JobProcessing}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.res, next.err
}

// recorder collects delivered job snapshots
type recorder struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recorder) record(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
}

func (r *recorder) terminals() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Job
	for _, j := range r.jobs {
		if j.State.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

func newPoller(svc market.AnalysisService, sched Scheduler, maxAttempts int) *Poller {
	return New(svc, sched, 3*time.Second, maxAttempts, logger.NewNop())
}

func TestTriggerPollsUntilSucceeded(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{script: []pollResp{
		{res: market.JobStatusResult{Status: market.JobProcessing}},
		{res: market.JobStatusResult{Status: market.JobProcessing}},
		{res: market.JobStatusResult{Status: market.JobSucceeded, Result: []byte(`{"score":1}`)}},
	}}
	p := newPoller(svc, sched, 100)

	rec := &recorder{}
	defer p.Subscribe(rec.record)()

	jobID, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	// First two polls report processing, the loop keeps going
	sched.fire(t)
	sched.fire(t)
	job, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, StatePolling, job.State)
	assert.Equal(t, market.JobProcessing, job.Status)
	assert.Equal(t, 2, job.Polls)

	// Third poll is terminal
	sched.fire(t)
	job, _ = p.Current()
	assert.Equal(t, StateSucceeded, job.State)
	assert.JSONEq(t, `{"score":1}`, string(job.Result))

	// Exactly one terminal notification, after the third poll
	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, "job-1", terms[0].ID)
	assert.Equal(t, StateSucceeded, terms[0].State)

	// The loop stopped scheduling
	assert.Equal(t, 0, sched.live())
}

func TestSubmitFailureTerminatesWithoutPolling(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{submitErr: errors.New("backend rejected")}
	p := newPoller(svc, sched, 100)

	rec := &recorder{}
	defer p.Subscribe(rec.record)()

	_, err := p.Trigger(context.Background(), "news-impact")
	require.Error(t, err)

	job, _ := p.Current()
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 0, sched.live(), "no poll scheduled after failed submit")
	require.Len(t, rec.terminals(), 1)
}

func TestBackendFailureCarriesReason(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{script: []pollResp{
		{res: market.JobStatusResult{Status: market.JobFailed, Reason: "insufficient data"}},
	}}
	p := newPoller(svc, sched, 100)

	_, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)
	sched.fire(t)

	job, _ := p.Current()
	assert.Equal(t, StateFailed, job.State)

	var jfe *JobFailedError
	require.ErrorAs(t, job.Err, &jfe)
	assert.Equal(t, "insufficient data", jfe.Reason)
}

func TestSupersessionSuppressesPriorJob(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{script: []pollResp{
		{res: market.JobStatusResult{Status: market.JobSucceeded}},
	}}
	p := newPoller(svc, sched, 100)

	rec := &recorder{}
	defer p.Subscribe(rec.record)()

	first, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)
	require.Equal(t, 1, sched.live())

	// Re-trigger while the first job is still polling
	second, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The first loop's timer is dead and firing the second loop's
	// timer only polls the second job
	require.Equal(t, 1, sched.live())
	sched.fire(t)

	assert.Equal(t, []string{second}, svc.polled)

	// No terminal notification is ever delivered for the first job id
	for _, j := range rec.terminals() {
		assert.Equal(t, second, j.ID)
	}
	require.Len(t, rec.terminals(), 1)
}

func TestPollTransportFailureDoesNotTerminate(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{script: []pollResp{
		{err: errors.New("connection reset")},
		{res: market.JobStatusResult{Status: market.JobSucceeded}},
	}}
	p := newPoller(svc, sched, 100)

	_, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)

	// Failed poll: job keeps polling, next tick is scheduled
	sched.fire(t)
	job, _ := p.Current()
	assert.Equal(t, StatePolling, job.State)
	require.Equal(t, 1, sched.live())

	sched.fire(t)
	job, _ = p.Current()
	assert.Equal(t, StateSucceeded, job.State)
}

func TestPollCeilingYieldsTimeout(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{} // always processing
	p := newPoller(svc, sched, 3)

	rec := &recorder{}
	defer p.Subscribe(rec.record)()

	_, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)

	sched.fire(t)
	sched.fire(t)
	sched.fire(t)

	job, _ := p.Current()
	assert.Equal(t, StateFailed, job.State)
	assert.ErrorIs(t, job.Err, ErrPollTimeout)
	assert.Equal(t, 0, sched.live())
	require.Len(t, rec.terminals(), 1)
}

func TestCloseStopsLoopWithoutNotifying(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{}
	p := newPoller(svc, sched, 100)

	rec := &recorder{}
	defer p.Subscribe(rec.record)()

	_, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)
	require.Equal(t, 1, sched.live())

	p.Close()

	assert.Equal(t, 0, sched.live(), "no dangling timer after detach")
	assert.Empty(t, rec.terminals(), "detach emits no terminal notification")

	_, err = p.Trigger(context.Background(), "news-impact")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	sched := &fakeScheduler{}
	svc := &fakeAnalysis{script: []pollResp{
		{res: market.JobStatusResult{Status: market.JobSucceeded}},
	}}
	p := newPoller(svc, sched, 100)

	rec := &recorder{}
	unsub := p.Subscribe(rec.record)

	_, err := p.Trigger(context.Background(), "news-impact")
	require.NoError(t, err)

	unsub()
	sched.fire(t)

	assert.Empty(t, rec.terminals())
}
