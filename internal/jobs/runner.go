// Package jobs runs optimizations in the background, at most one per organization and day.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/metrics"
	"poolroute/internal/model"
	"poolroute/internal/opt"
	"poolroute/internal/planner"
	"poolroute/internal/store"
	"poolroute/internal/webhooks"
)

var (
	// ErrBusy means a run for the same organization and day is already queued or running.
	ErrBusy       = errors.New("an optimization for this organization and day is already in progress")
	ErrUnknownJob = errors.New("unknown job")
)

// Error classes reported on failed jobs.
const (
	ClassValidation = "validation"
	ClassInfeasible = "infeasible"
	ClassInternal   = "internal"
)

type Planner interface {
	Run(ctx context.Context, req planner.Request) (*planner.Result, error)
}

// EventFunc receives job lifecycle events ("job.queued", "job.running", "job.succeeded", ...).
type EventFunc func(jobID, eventType string, data map[string]any)

type Runner struct {
	Planner  Planner
	Store    store.Store
	Webhooks *webhooks.Publisher
	Queue    Queue
	Events   EventFunc
	Workers  int
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
	// QueueTimeout bounds how long a job may stay queued here. With a shared broker another
	// instance may adopt the task, so a job that never starts locally is given up and its
	// org/day lock released.
	QueueTimeout time.Duration
	Log       *zap.Logger

	mu    sync.Mutex
	jobs  map[string]*job
	locks map[string]string // lock key -> job id
	now   func() time.Time
}

type job struct {
	status   model.JobStatus
	req      model.OptimizeRequest
	key      string
	cancel   context.CancelFunc
	done     chan struct{}
	queued   time.Time
	finished time.Time
}

const defaultQueueTimeout = 30 * time.Minute

func (r *Runner) init() {
	if r.jobs == nil {
		r.jobs = map[string]*job{}
		r.locks = map[string]string{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.Queue == nil {
		r.Queue = NewChanQueue(0)
	}
}

// Start launches the worker pool. Workers stop when ctx ends; running jobs are cancelled with it.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.init()
	r.mu.Unlock()
	n := r.Workers
	if n <= 0 {
		n = 1
	}
	log := logging.OrNop(r.Log)
	for i := 0; i < n; i++ {
		go func() {
			if err := r.Queue.Consume(ctx, r.execute); err != nil {
				log.Error("job consumer stopped", zap.Error(err))
			}
		}()
	}
}

func lockKey(org string, req model.OptimizeRequest) string {
	if req.Mode == model.ModeCrossDay {
		return org + "/*"
	}
	return org + "/" + string(req.ServiceDay)
}

// conflicts reports whether key overlaps a held key. A cross-day key overlaps every day of its org.
func (r *Runner) conflicts(key string) bool {
	if _, held := r.locks[key]; held {
		return true
	}
	org := key[:strings.LastIndex(key, "/")]
	if strings.HasSuffix(key, "/*") {
		for k := range r.locks {
			if strings.HasPrefix(k, org+"/") {
				return true
			}
		}
		return false
	}
	_, whole := r.locks[org+"/*"]
	return whole
}

// Submit validates and queues req. It fails with ErrBusy when the org/day is taken.
func (r *Runner) Submit(ctx context.Context, org string, req model.OptimizeRequest) (model.JobStatus, error) {
	if !req.Mode.Valid() {
		return model.JobStatus{}, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.Mode != model.ModeCrossDay && !req.ServiceDay.Valid() {
		return model.JobStatus{}, fmt.Errorf("serviceDay is required for mode %s", req.Mode)
	}
	key := lockKey(org, req)

	r.mu.Lock()
	r.init()
	r.prune()
	if r.conflicts(key) {
		r.mu.Unlock()
		return model.JobStatus{}, ErrBusy
	}
	id := uuid.New().String()
	j := &job{
		status: model.JobStatus{ID: id, OrgID: org, State: model.JobQueued, Mode: req.Mode, ServiceDay: req.ServiceDay, CreatedAt: r.now().UTC().Format(time.RFC3339)},
		req:    req,
		key:    key,
		done:   make(chan struct{}),
		queued: r.now(),
	}
	r.jobs[id] = j
	r.locks[key] = id
	st := j.status
	r.mu.Unlock()

	if err := r.Queue.Enqueue(ctx, Task{JobID: id, OrgID: org, Request: req}); err != nil {
		r.mu.Lock()
		delete(r.jobs, id)
		delete(r.locks, key)
		r.mu.Unlock()
		return model.JobStatus{}, fmt.Errorf("enqueue job: %w", err)
	}
	logging.For(ctx, r.Log).Info("optimization queued", zap.String("job_id", id), zap.String("org_id", org),
		zap.String("mode", string(req.Mode)), zap.String("day", string(req.ServiceDay)))
	r.emit(id, "job.queued", map[string]any{"state": model.JobQueued})
	return st, nil
}

// execute runs one task. Tasks for jobs this process does not know (published by another
// instance) are adopted.
func (r *Runner) execute(ctx context.Context, t Task) error {
	r.mu.Lock()
	r.init()
	j, ok := r.jobs[t.JobID]
	if !ok {
		key := lockKey(t.OrgID, t.Request)
		if r.conflicts(key) {
			r.mu.Unlock()
			return ErrBusy
		}
		j = &job{
			status: model.JobStatus{ID: t.JobID, OrgID: t.OrgID, State: model.JobQueued, Mode: t.Request.Mode, ServiceDay: t.Request.ServiceDay, CreatedAt: r.now().UTC().Format(time.RFC3339)},
			req:    t.Request, key: key, done: make(chan struct{}), queued: r.now(),
		}
		r.jobs[t.JobID] = j
		r.locks[key] = t.JobID
	}
	if j.status.State != model.JobQueued {
		r.mu.Unlock()
		return nil
	}
	jctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.status.State = model.JobRunning
	r.mu.Unlock()
	defer cancel()

	log := logging.OrNop(r.Log).With(zap.String("job_id", t.JobID), zap.String("org_id", t.OrgID), zap.String("mode", string(t.Request.Mode)))
	jctx = logging.WithRequestID(jctx, t.JobID)
	r.emit(t.JobID, "job.running", map[string]any{"state": model.JobRunning})

	res, err := r.Planner.Run(jctx, planner.Request{OrgID: t.OrgID, JobID: t.JobID, OptimizeRequest: t.Request})
	if err == nil {
		err = r.persist(ctx, t, res)
	}
	cancelled := jctx.Err() != nil && ctx.Err() == nil

	r.mu.Lock()
	switch {
	case err != nil && cancelled && errors.Is(err, context.Canceled):
		j.status.State = model.JobCancelled
		j.status.Error = "cancelled before any routes were produced"
	case err != nil:
		j.status.State = model.JobFailed
		j.status.Error = err.Error()
		j.status.ErrorClass = classify(err)
	case cancelled:
		j.status.State = model.JobCancelled
		j.status.Result = &res.Response
	default:
		j.status.State = model.JobSucceeded
		j.status.Result = &res.Response
	}
	r.finish(j)
	st := j.status
	r.mu.Unlock()

	metrics.OptimizationRuns.WithLabelValues(string(t.Request.Mode), string(st.State)).Inc()
	r.emit(t.JobID, "job."+string(st.State), map[string]any{"state": st.State, "error": st.Error})
	if st.State == model.JobFailed {
		if opt.IsInputError(err) {
			log.Info("optimization rejected by its inputs", zap.String("error_class", st.ErrorClass), zap.Error(err))
		} else {
			log.Warn("optimization failed", zap.String("error_class", st.ErrorClass), zap.Error(err))
		}
		r.webhook(ctx, webhooks.EventOptimizationFailed, st, nil)
		return nil
	}
	if st.Result != nil {
		log.Info("optimization finished", zap.String("state", string(st.State)),
			zap.Int("routes", st.Result.Summary.TotalRoutes), zap.Int("unassigned", st.Result.Summary.UnassignedCount))
		r.webhook(ctx, webhooks.EventRoutesOptimized, st, &st.Result.Summary)
	}
	return nil
}

// persist replaces each solved day's routes and saves rebalanced stop patterns. Each day
// is replaced atomically by the store.
func (r *Runner) persist(ctx context.Context, t Task, res *planner.Result) error {
	if r.Store == nil {
		return nil
	}
	saved := map[model.Weekday][]model.Route{}
	for _, d := range model.Week {
		routes, ok := res.Routes[d]
		if !ok {
			continue
		}
		out, err := r.Store.ReplaceRoutes(ctx, t.OrgID, d, routes)
		if err != nil {
			return fmt.Errorf("save %s routes: %w", d, err)
		}
		saved[d] = out
	}
	if len(res.Moved) > 0 {
		if _, err := r.Store.UpsertStops(ctx, t.OrgID, res.Moved); err != nil {
			return fmt.Errorf("save rebalanced stops: %w", err)
		}
	}
	// Report the persisted routes so callers see their ids.
	if t.Request.Mode != model.ModeCrossDay {
		res.Response.Routes = saved[t.Request.ServiceDay]
		return nil
	}
	res.Response.Routes = []model.Route{}
	for _, d := range model.Week {
		dr, ok := res.Response.Days[d]
		if !ok {
			continue
		}
		if routes, ok := saved[d]; ok {
			dr.Routes = routes
			res.Response.Days[d] = dr
		}
		res.Response.Routes = append(res.Response.Routes, dr.Routes...)
	}
	return nil
}

func (r *Runner) webhook(ctx context.Context, eventType string, st model.JobStatus, summary *model.Summary) {
	if r.Webhooks == nil {
		return
	}
	data := map[string]any{"jobId": st.ID, "mode": st.Mode, "state": st.State}
	if st.ServiceDay != "" {
		data["serviceDay"] = st.ServiceDay
	}
	if summary != nil {
		data["summary"] = summary
	}
	if st.Error != "" {
		data["error"] = st.Error
		data["errorClass"] = st.ErrorClass
	}
	r.Webhooks.Emit(ctx, st.OrgID, eventType, data)
}

func classify(err error) string {
	var empty *opt.EmptyInputError
	var inf *opt.InfeasibleError
	switch {
	case errors.As(err, &inf):
		return ClassInfeasible
	case errors.As(err, &empty):
		return ClassValidation
	default:
		return ClassInternal
	}
}

// finish must be called with r.mu held.
func (r *Runner) finish(j *job) {
	j.finished = r.now()
	j.status.FinishedAt = j.finished.UTC().Format(time.RFC3339)
	if r.locks[j.key] == j.status.ID {
		delete(r.locks, j.key)
	}
	close(j.done)
}

// prune drops finished jobs past retention and gives up jobs queued past QueueTimeout.
// It must be called with r.mu held.
func (r *Runner) prune() {
	keep := r.Retention
	if keep <= 0 {
		keep = time.Hour
	}
	stale := r.QueueTimeout
	if stale <= 0 {
		stale = defaultQueueTimeout
	}
	now := r.now()
	for id, j := range r.jobs {
		if !j.finished.IsZero() && j.finished.Before(now.Add(-keep)) {
			delete(r.jobs, id)
			continue
		}
		if j.status.State == model.JobQueued && j.queued.Before(now.Add(-stale)) {
			j.status.State = model.JobFailed
			j.status.ErrorClass = ClassInternal
			j.status.Error = fmt.Sprintf("not started by this instance within %s; another instance may have run it", stale)
			r.finish(j)
			logging.OrNop(r.Log).Warn("queued job expired", zap.String("job_id", id), zap.String("org_id", j.status.OrgID))
		}
	}
}

func (r *Runner) lookup(org, id string) (*job, error) {
	r.init()
	j, ok := r.jobs[id]
	if !ok || j.status.OrgID != org {
		return nil, ErrUnknownJob
	}
	return j, nil
}

func (r *Runner) Status(org, id string) (model.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.prune()
	j, err := r.lookup(org, id)
	if err != nil {
		return model.JobStatus{}, err
	}
	return j.status, nil
}

// Wait blocks until the job finishes or ctx ends.
func (r *Runner) Wait(ctx context.Context, org, id string) (model.JobStatus, error) {
	r.mu.Lock()
	j, err := r.lookup(org, id)
	r.mu.Unlock()
	if err != nil {
		return model.JobStatus{}, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return model.JobStatus{}, ctx.Err()
	}
	return r.Status(org, id)
}

// Cancel stops a job. A queued job is cancelled at once; a running one stops searching and
// keeps the best routes found so far.
func (r *Runner) Cancel(org, id string) (model.JobStatus, error) {
	r.mu.Lock()
	j, err := r.lookup(org, id)
	if err != nil {
		r.mu.Unlock()
		return model.JobStatus{}, err
	}
	switch j.status.State {
	case model.JobQueued:
		j.status.State = model.JobCancelled
		r.finish(j)
		st := j.status
		r.mu.Unlock()
		metrics.OptimizationRuns.WithLabelValues(string(st.Mode), string(st.State)).Inc()
		r.emit(id, "job.cancelled", map[string]any{"state": st.State})
		return st, nil
	case model.JobRunning:
		j.cancel()
	}
	st := j.status
	r.mu.Unlock()
	return st, nil
}

func (r *Runner) emit(jobID, eventType string, data map[string]any) {
	if r.Events != nil {
		data["jobId"] = jobID
		r.Events(jobID, eventType, data)
	}
}
