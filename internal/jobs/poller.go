// Package jobs drives background analysis jobs through a
// trigger-then-poll state machine: one active poll loop per slot,
// supersession on re-trigger, and exactly-once terminal notification.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// State is the poller-side lifecycle of a job
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state machine has stopped
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrPollTimeout reports that the poll ceiling was exhausted before
// the backend reached a terminal status
var ErrPollTimeout = errors.New("job polling timed out")

// ErrSuperseded reports that a newer trigger replaced this job while
// its submission was still in flight
var ErrSuperseded = errors.New("job superseded")

// ErrClosed reports a trigger against a closed poller
var ErrClosed = errors.New("poller closed")

// JobFailedError carries the backend's terminal failure reason
type JobFailedError struct {
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return "job failed"
	}
	return fmt.Sprintf("job failed: %s", e.Reason)
}

// Job is a point-in-time snapshot of the active job
type Job struct {
	ID          string
	Kind        string
	State       State
	Status      market.JobStatus // last backend-reported status
	Result      json.RawMessage
	Err         error
	SubmittedAt time.Time
	Polls       int
}

// Poller owns one logical job slot. Triggering while a prior job is
// still polling cancels the prior loop first; its in-flight request
// may complete but its outcome is discarded.
type Poller struct {
	mu sync.Mutex

	svc         market.AnalysisService
	sched       Scheduler
	interval    time.Duration
	maxAttempts int
	log         *logger.Logger
	now         func() time.Time

	active  *run
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

// run is the mutable state of one triggered job
type run struct {
	job         Job
	ctx         context.Context
	cancelTimer func()
	cancelled   bool
}

// subscription serializes deliveries so a listener is never invoked
// after its unsubscribe returns
type subscription struct {
	mu     sync.Mutex
	closed bool
	fn     func(Job)
}

func (s *subscription) deliver(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(j)
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// New creates a poller for one job slot
func New(svc market.AnalysisService, sched Scheduler, interval time.Duration, maxAttempts int, log *logger.Logger) *Poller {
	return &Poller{
		svc:         svc,
		sched:       sched,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log,
		now:         time.Now,
		subs:        make(map[int]*subscription),
	}
}

// Trigger submits a new analysis job, superseding any job still in
// flight, and starts the poll loop. Returns the backend job id.
func (p *Poller) Trigger(ctx context.Context, kind string) (string, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}

	// Supersession: silence the prior loop before starting a new job
	// so conflicting terminal notifications are impossible
	if prior := p.active; prior != nil && !prior.job.State.Terminal() {
		p.cancelRunLocked(prior)
		p.log.WithFields(map[string]interface{}{
			"job_id": prior.job.ID,
			"kind":   prior.job.Kind,
		}).Info("Superseded active job")
	}

	r := &run{
		job: Job{
			Kind:        kind,
			State:       StateSubmitting,
			SubmittedAt: p.now(),
		},
		// Poll ticks outlive the triggering request
		ctx: context.WithoutCancel(ctx),
	}
	p.active = r
	p.mu.Unlock()

	jobID, err := p.svc.SubmitAnalysisJob(ctx, kind)

	p.mu.Lock()
	if r.cancelled {
		p.mu.Unlock()
		return "", ErrSuperseded
	}

	if err != nil {
		// Submission failure terminates immediately, no polling
		r.job.State = StateFailed
		r.job.Err = fmt.Errorf("submit %s: %w", kind, err)
		notices := p.noticesLocked(r.job)
		p.mu.Unlock()

		p.dispatch(notices)
		return "", r.job.Err
	}

	r.job.ID = jobID
	r.job.State = StatePolling
	r.job.Status = market.JobQueued
	r.cancelTimer = p.sched.Schedule(p.interval, func() { p.tick(r) })
	notices := p.noticesLocked(r.job)
	p.mu.Unlock()

	p.log.WithFields(map[string]interface{}{
		"job_id": jobID,
		"kind":   kind,
	}).Info("Analysis job submitted")

	p.dispatch(notices)
	return jobID, nil
}

// Current returns a snapshot of the active job, if any
func (p *Poller) Current() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil {
		return Job{State: StateIdle}, false
	}
	return p.active.job, true
}

// Subscribe registers fn for job transitions and returns an
// unsubscribe func. Terminal states are delivered at most once, and
// never for a superseded job or after unsubscribe returns.
func (p *Poller) Subscribe(fn func(Job)) func() {
	p.mu.Lock()

	sub := &subscription{fn: fn}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = sub

	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		sub.close()
	}
}

// Close detaches the poller: the active loop is stopped, no further
// transitions are emitted and no timer is left behind
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.active != nil && !p.active.job.State.Terminal() {
		p.cancelRunLocked(p.active)
	}
}

// tick performs one status poll for r
func (p *Poller) tick(r *run) {
	p.mu.Lock()
	if r.cancelled || r.job.State != StatePolling {
		p.mu.Unlock()
		return
	}
	r.cancelTimer = nil
	r.job.Polls++
	attempt := r.job.Polls
	jobID := r.job.ID
	ctx := r.ctx
	p.mu.Unlock()

	res, err := p.svc.GetJobStatus(ctx, jobID)

	p.mu.Lock()
	if r.cancelled || r.job.State != StatePolling {
		// Superseded or detached while the request was in flight: the
		// result is discarded
		p.mu.Unlock()
		return
	}

	var notices []delivery
	switch {
	case err != nil:
		// A single failed poll request does not terminate the job,
		// only the ceiling does
		p.log.WithError(err).WithFields(map[string]interface{}{
			"job_id":  jobID,
			"attempt": attempt,
		}).Warn("Job status poll failed")
		if attempt >= p.maxAttempts {
			notices = p.timeoutLocked(r)
		} else {
			r.cancelTimer = p.sched.Schedule(p.interval, func() { p.tick(r) })
		}

	case res.Status == market.JobSucceeded:
		r.job.Status = res.Status
		r.job.Result = res.Result
		r.job.State = StateSucceeded
		notices = p.noticesLocked(r.job)

	case res.Status == market.JobFailed:
		r.job.Status = res.Status
		r.job.State = StateFailed
		r.job.Err = &JobFailedError{Reason: res.Reason}
		notices = p.noticesLocked(r.job)

	default:
		r.job.Status = res.Status
		if attempt >= p.maxAttempts {
			notices = p.timeoutLocked(r)
		} else {
			r.cancelTimer = p.sched.Schedule(p.interval, func() { p.tick(r) })
		}
	}

	terminal := r.job.State.Terminal()
	snapshot := r.job
	p.mu.Unlock()

	if terminal {
		p.log.WithFields(map[string]interface{}{
			"job_id": snapshot.ID,
			"state":  string(snapshot.State),
			"polls":  snapshot.Polls,
		}).Info("Analysis job finished")
	}
	p.dispatch(notices)
}

// timeoutLocked records a synthetic failure for an exhausted ceiling
func (p *Poller) timeoutLocked(r *run) []delivery {
	r.job.State = StateFailed
	r.job.Err = fmt.Errorf("%w after %d polls", ErrPollTimeout, r.job.Polls)
	return p.noticesLocked(r.job)
}

// cancelRunLocked stops a run's future polls without emitting anything
func (p *Poller) cancelRunLocked(r *run) {
	r.cancelled = true
	r.job.State = StateCancelled
	if r.cancelTimer != nil {
		r.cancelTimer()
		r.cancelTimer = nil
	}
}

// delivery pairs a job snapshot with one subscriber
type delivery struct {
	job Job
	sub *subscription
}

// noticesLocked snapshots the current audience for a transition
func (p *Poller) noticesLocked(j Job) []delivery {
	out := make([]delivery, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, delivery{job: j, sub: sub})
	}
	return out
}

// dispatch delivers transitions outside the poller lock
func (p *Poller) dispatch(notices []delivery) {
	for _, d := range notices {
		d.sub.deliver(d.job)
	}
}
