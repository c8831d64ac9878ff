// Package deployment runs deployments: it owns their lifecycle from the
// trigger to the terminal status, and the live log of each one.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushdeploy/internal/broadcast"
	"pushdeploy/internal/domain"
	"pushdeploy/internal/metrics"
	"pushdeploy/internal/runner"
	"pushdeploy/internal/security"
	"pushdeploy/internal/service"
	"pushdeploy/internal/store"
)

var (
	// ErrNotFound is returned for unknown deployment ids
	ErrNotFound = errors.New("deployment not found")

	// ErrDeploymentInProgress is returned under the reject policy while
	// the service already has an active deployment
	ErrDeploymentInProgress = errors.New("deployment already in progress")

	// ErrNotActive is returned when canceling a deployment that has finished
	ErrNotActive = errors.New("deployment is not active")

	// ErrShuttingDown is returned by Start once Shutdown has begun. It is
	// also the cancellation cause of deployments interrupted by shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)

// DefaultRecentLimit bounds how many finished deployments stay in memory
const DefaultRecentLimit = 100

// Starter launches a process; *runner.Runner implements it
type Starter interface {
	Start(ctx context.Context, spec runner.Spec) *runner.Run
}

// Options configures an Orchestrator
type Options struct {
	Store   store.Store
	Runner  Starter
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// DefaultTimeout applies to services without their own; zero means none
	DefaultTimeout time.Duration

	// DefaultPolicy applies to services without their own
	DefaultPolicy service.Policy

	Broadcast broadcast.Config

	// Redact lists values masked in captured output (the webhook secret)
	Redact []string

	// RecentLimit bounds the in-memory cache of finished deployments
	RecentLimit int

	Now func() time.Time
}

// Orchestrator creates deployments, runs them under their service's
// concurrency policy and tracks them until they finish.
type Orchestrator struct {
	store   store.Store
	runner  Starter
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	locks *LockManager
	queue *serialQueue

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu      sync.Mutex
	active  map[string]*execution
	recent  map[string]*execution
	order   []string // recent ids, oldest first
	closing bool
	wg      sync.WaitGroup
}

// execution is the in-memory state of one deployment. Only its own
// goroutine mutates the deployment record and appends to the log.
type execution struct {
	svc    service.Service
	policy service.Policy
	log    *broadcast.Broadcaster
	ctx    context.Context
	cancel context.CancelCauseFunc
	ticket *ticket

	mu  sync.Mutex
	d   *domain.Deployment
	seq int64
}

// New creates an orchestrator. Store is required.
func New(opts Options) *Orchestrator {
	if opts.Runner == nil {
		opts.Runner = runner.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = service.PolicyParallel
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultRecentLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Orchestrator{
		store:      opts.Store,
		runner:     opts.Runner,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		opts:       opts,
		locks:      NewLockManager(),
		queue:      newSerialQueue(),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*execution),
		recent:     make(map[string]*execution),
	}
}

// Start creates a queued deployment of svc and launches its execution
// goroutine. It returns once the deployment is registered and persisted.
func (o *Orchestrator) Start(ctx context.Context, svc service.Service, trigger domain.Trigger) (*domain.Deployment, error) {
	policy := svc.Policy
	if policy == "" {
		policy = o.opts.DefaultPolicy
	}
	if trigger.Source == "" {
		trigger.Source = domain.SourceWebhook
	}

	d := &domain.Deployment{
		ID:        uuid.NewString(),
		Service:   svc.Name,
		Trigger:   trigger,
		Status:    domain.StatusQueued,
		CreatedAt: o.opts.Now().UTC(),
	}

	execCtx, cancel := context.WithCancelCause(o.baseCtx)
	e := &execution{
		svc:    svc,
		policy: policy,
		log:    broadcast.New(o.opts.Broadcast),
		ctx:    execCtx,
		cancel: cancel,
		d:      d,
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		cancel(ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	switch policy {
	case service.PolicyReject:
		if !o.locks.TryLock(svc.Name) {
			o.mu.Unlock()
			cancel(ErrDeploymentInProgress)
			return nil, ErrDeploymentInProgress
		}
	case service.PolicyQueue:
		e.ticket = o.queue.enter(svc.Name)
	}
	o.active[d.ID] = e
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.store.Create(context.WithoutCancel(ctx), d); err != nil {
		o.storeFailed("create", d.ID, err)
	}

	o.metrics.DeploymentQueued(svc.Name, trigger.Source)
	o.logger.Info("deployment queued",
		"deployment_id", d.ID,
		"service", svc.Name,
		"ref", trigger.Ref,
		"commit", trigger.CommitSHA,
		"source", trigger.Source,
		"policy", string(policy),
	)

	snapshot := d.Clone()
	go o.execute(e)

	return snapshot, nil
}

// execute drives one deployment to a terminal status
func (o *Orchestrator) execute(e *execution) {
	defer o.wg.Done()
	defer e.cancel(nil)
	defer o.release(e)

	if !o.waitTurn(e) {
		o.finish(e, domain.StatusFailed, nil, false)
		return
	}

	started := o.opts.Now().UTC()
	o.transition(e, domain.StatusUpdate{Status: domain.StatusRunning, StartedAt: &started})
	o.metrics.DeploymentRunning(e.svc.Name)
	o.logger.Info("deployment started",
		"deployment_id", e.d.ID,
		"service", e.svc.Name,
		"path", e.svc.Path,
	)

	runCtx := e.ctx
	if timeout := o.timeoutFor(e.svc); timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(e.ctx, timeout, &timeoutError{after: timeout})
		defer stop()
	}

	run := o.runner.Start(runCtx, runner.Spec{
		Dir:     e.svc.Path,
		Command: e.svc.Command,
		Env:     deploymentEnv(e.d),
	})

	status, exitCode := domain.StatusFailed, (*int)(nil)
	for ev := range run.Events() {
		switch ev.Kind {
		case runner.KindOutput:
			o.appendLog(e, ev.Stream, ev.Text, ev.Time)

		case runner.KindExited:
			code := ev.ExitCode
			exitCode = &code
			switch {
			case ev.Canceled:
				o.appendLog(e, domain.StreamSystem, "deployment canceled: "+causeText(ev.Err), ev.Time)
			case code == 0:
				status = domain.StatusSucceeded
			default:
				o.appendLog(e, domain.StreamSystem, fmt.Sprintf("deployment failed: command exited with code %d", code), ev.Time)
			}

		case runner.KindSpawnFailed:
			o.appendLog(e, domain.StreamSystem, "failed to start command: "+causeText(ev.Err), ev.Time)
		}
	}

	o.finish(e, status, exitCode, true)
}

// waitTurn blocks until the policy lets e run. It returns false, having
// logged the reason, when e was canceled first.
func (o *Orchestrator) waitTurn(e *execution) bool {
	var ready <-chan struct{}
	if e.ticket != nil {
		ready = e.ticket.ready
	}

	if ready != nil {
		select {
		case <-ready:
		case <-e.ctx.Done():
		}
	}

	// A cancel that raced with readiness still wins; nothing has run yet.
	if e.ctx.Err() != nil {
		o.appendLog(e, domain.StreamSystem, "deployment canceled: "+causeText(context.Cause(e.ctx)), o.opts.Now())
		return false
	}
	return true
}

// release frees the policy slot held by e
func (o *Orchestrator) release(e *execution) {
	switch e.policy {
	case service.PolicyReject:
		o.locks.Unlock(e.svc.Name)
	case service.PolicyQueue:
		o.queue.leave(e.svc.Name, e.ticket)
	}
}

func (o *Orchestrator) timeoutFor(svc service.Service) time.Duration {
	if svc.Timeout > 0 {
		return svc.Timeout
	}
	return o.opts.DefaultTimeout
}

// appendLog assigns the next sequence number, fans the entry out and
// persists it. Called only from e's own goroutine.
func (o *Orchestrator) appendLog(e *execution, stream domain.Stream, text string, at time.Time) {
	text = security.Redact(text, o.opts.Redact...)

	e.mu.Lock()
	e.seq++
	entry := domain.LogEntry{Seq: e.seq, Stream: stream, Text: text, Time: at.UTC()}
	e.mu.Unlock()

	if err := e.log.Append(entry); err != nil {
		o.logger.Error("failed to broadcast log entry", "deployment_id", e.d.ID, "error", err)
	}

	if err := o.store.AppendLog(o.baseCtxForWrites(), e.d.ID, entry); err != nil {
		o.storeFailed("append_log", e.d.ID, err)
	}
}

// transition applies a status update in memory first, then persists it
func (o *Orchestrator) transition(e *execution, u domain.StatusUpdate) {
	e.mu.Lock()
	if !e.d.Status.CanTransition(u.Status) {
		from := e.d.Status
		e.mu.Unlock()
		o.logger.Error("refusing status regression",
			"deployment_id", e.d.ID, "from", string(from), "to", string(u.Status))
		return
	}
	u.Apply(e.d)
	e.mu.Unlock()

	if err := o.store.UpdateStatus(o.baseCtxForWrites(), e.d.ID, u); err != nil {
		o.storeFailed("update_status", e.d.ID, err)
	}
}

// finish records the terminal status, moves e out of the active table and
// closes its log, in that order, so a subscriber seeing the end of the log
// always finds the final status.
func (o *Orchestrator) finish(e *execution, status domain.Status, exitCode *int, ran bool) {
	finished := o.opts.Now().UTC()
	o.transition(e, domain.StatusUpdate{Status: status, FinishedAt: &finished, ExitCode: exitCode})

	e.mu.Lock()
	snapshot := e.d.Clone()
	e.mu.Unlock()

	o.mu.Lock()
	delete(o.active, snapshot.ID)
	o.remember(e)
	o.mu.Unlock()

	e.log.Close()

	o.metrics.DeploymentFinished(snapshot.Service, string(status), ran, snapshot.Duration(finished))

	attrs := []any{
		"deployment_id", snapshot.ID,
		"service", snapshot.Service,
		"status", string(status),
		"duration", snapshot.Duration(finished).String(),
	}
	if exitCode != nil {
		attrs = append(attrs, "exit_code", *exitCode)
	}
	if status == domain.StatusSucceeded {
		o.logger.Info("deployment finished", attrs...)
	} else {
		o.logger.Warn("deployment finished", attrs...)
	}
}

// remember keeps e in the bounded recent cache. Caller holds o.mu.
func (o *Orchestrator) remember(e *execution) {
	o.recent[e.d.ID] = e
	o.order = append(o.order, e.d.ID)
	for len(o.order) > o.opts.RecentLimit {
		delete(o.recent, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *Orchestrator) storeFailed(operation, id string, err error) {
	o.metrics.StoreError(operation)
	o.logger.Error("store write failed",
		"operation", operation,
		"deployment_id", id,
		"error", err,
	)
}

// baseCtxForWrites is the context for store writes made by execution
// goroutines. They must land even while a deployment is being canceled.
func (o *Orchestrator) baseCtxForWrites() context.Context {
	return context.WithoutCancel(o.baseCtx)
}

// lookup returns the in-memory execution for id, active or recent
func (o *Orchestrator) lookup(id string) (*execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.active[id]; ok {
		return e, true
	}
	e, ok := o.recent[id]
	return e, ok
}

// snapshot copies e's record together with its log so far
func (e *execution) snapshot(withLogs bool) *domain.Deployment {
	e.mu.Lock()
	d := e.d.Clone()
	e.mu.Unlock()

	if withLogs {
		d.Logs = e.log.History()
	}
	return d
}

// Get returns a deployment with its log. In-memory state wins over the store.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	if e, ok := o.lookup(id); ok {
		return e.snapshot(true), nil
	}

	d, err := o.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return d, nil
}

// Active returns queued and running deployments, oldest first, without logs
func (o *Orchestrator) Active() []*domain.Deployment {
	o.mu.Lock()
	executions := make([]*execution, 0, len(o.active))
	for _, e := range o.active {
		executions = append(executions, e)
	}
	o.mu.Unlock()

	result := make([]*domain.Deployment, 0, len(executions))
	for _, e := range executions {
		result = append(result, e.snapshot(false))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// List returns stored deployments newest first. Records that are still in
// memory are reported with their in-memory status, and left out when that
// status no longer matches f.
func (o *Orchestrator) List(ctx context.Context, f domain.Filter) ([]*domain.Deployment, error) {
	list, err := o.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	result := list[:0]
	for _, d := range list {
		if e, ok := o.lookup(d.ID); ok {
			current := e.snapshot(false)
			if !f.Matches(current) {
				continue
			}
			d = current
		}
		result = append(result, d)
	}
	return result, nil
}

// Subscribe opens a log subscription for id: full history, then live
// lines, then the channel closes when the deployment finishes. Finished
// deployments that are no longer in memory are replayed from the store.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*broadcast.Subscription, error) {
	if e, ok := o.lookup(id); ok {
		return e.log.Subscribe(), nil
	}

	d, err := o.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return broadcast.Replay(o.opts.Broadcast, d.Logs).Subscribe(), nil
}

// Cancel requests termination of a queued or running deployment. It
// returns immediately; the deployment fails once its process is gone.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	o.mu.Lock()
	e, ok := o.active[id]
	o.mu.Unlock()

	if !ok {
		if _, err := o.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotActive
	}

	if reason == "" {
		reason = "canceled by request"
	}
	e.cancel(errors.New(reason))

	o.logger.Info("deployment cancel requested", "deployment_id", id, "service", e.svc.Name, "reason", reason)
	return nil
}

// ClearFinished deletes terminal deployments from the store and memory
func (o *Orchestrator) ClearFinished(ctx context.Context) (int64, error) {
	removed, err := o.store.DeleteFinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished deployments: %w", err)
	}

	o.mu.Lock()
	o.recent = make(map[string]*execution)
	o.order = nil
	o.mu.Unlock()

	o.logger.Info("finished deployments cleared", "removed", removed)
	return removed, nil
}

// Shutdown refuses new deployments, cancels active ones and waits for
// their goroutines, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	active := len(o.active)
	o.mu.Unlock()

	if active > 0 {
		o.logger.Info("canceling active deployments", "count", active)
	}
	o.baseCancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for deployments: %w", ctx.Err())
	}
}

// Wait blocks until every started deployment has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// timeoutError is the cancellation cause of a deployment that ran too long
type timeoutError struct {
	after time.Duration
}

func (e *timeoutError) Error() string {
	return "timed out after " + e.after.String()
}

func causeText(err error) string {
	if err == nil {
		return "canceled"
	}
	return err.Error()
}

func deploymentEnv(d *domain.Deployment) []string {
	return []string{
		"PUSHDEPLOY_DEPLOYMENT_ID=" + d.ID,
		"PUSHDEPLOY_SERVICE=" + d.Service,
		"PUSHDEPLOY_REF=" + d.Trigger.Ref,
		"PUSHDEPLOY_BRANCH=" + d.Trigger.Branch,
		"PUSHDEPLOY_COMMIT=" + d.Trigger.CommitSHA,
		"PUSHDEPLOY_SOURCE=" + d.Trigger.Source,
	}
}
