package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"keelhaul/internal/check"
	"keelhaul/internal/image"
	"keelhaul/internal/policy"
	"keelhaul/internal/telemetry"
)

const (
	// DefaultMaxConcurrent bounds in-flight checks when Loop.MaxConcurrent is unset.
	DefaultMaxConcurrent = 5
	// DefaultCallTimeout bounds every orchestrator and registry call.
	DefaultCallTimeout = 30 * time.Second
)

// Loop runs reconciliation passes. Fields are injected; Orchestrator,
// Resolver, Filter and State are required.
type Loop struct {
	Orchestrator Orchestrator
	Resolver     Resolver
	Credentials  CredentialSource
	Filter       *policy.Filter
	State        *State
	Reporter     Reporter
	Clock        Clock
	Tracer       trace.Tracer

	// MaxConcurrent is the number of service checks allowed in flight.
	MaxConcurrent int
	// CallTimeout applies to each network call. PassTimeout, when set,
	// cancels checks still running at the deadline.
	CallTimeout time.Duration
	PassTimeout time.Duration
	// DryRun resolves and decides but never calls UpdateService.
	DryRun bool
}

type job struct {
	svc    ServiceRecord
	policy policy.Policy
	prev   ServiceState
}

func (l *Loop) clock() Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return realClock{}
}

func (l *Loop) maxConcurrent() int {
	if l.MaxConcurrent > 0 {
		return l.MaxConcurrent
	}
	return DefaultMaxConcurrent
}

func (l *Loop) callTimeout() time.Duration {
	if l.CallTimeout > 0 {
		return l.CallTimeout
	}
	return DefaultCallTimeout
}

func (l *Loop) validate() {
	check.Assert(l.Orchestrator != nil, "Loop: Orchestrator must not be nil")
	check.Assert(l.Resolver != nil, "Loop: Resolver must not be nil")
	check.Assert(l.Filter != nil, "Loop: Filter must not be nil")
	check.Assert(l.State != nil, "Loop: State must not be nil")
}

// Run executes a pass immediately and then one per interval tick until ctx
// is canceled. Ticks are anchored to the start of Run; a pass that overruns
// the interval delays the next one instead of overlapping it.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	l.validate()
	if interval <= 0 {
		return fmt.Errorf("reconcile: interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.RunPass(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunPass executes exactly one reconciliation pass and returns its summary.
// It never fails as a whole; problems are reported in the summary.
func (l *Loop) RunPass(ctx context.Context) Summary {
	l.validate()

	passID := uuid.NewString()
	started := l.clock().Now()
	summary := Summary{PassID: passID, StartedAt: started, DryRun: l.DryRun}
	log := slog.With("component", "reconciler", "pass", passID)

	if l.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.PassTimeout)
		defer cancel()
	}

	op := telemetry.Start(ctx, l.Tracer, "reconcile.pass",
		attribute.String(telemetry.PassIDKey, passID),
		attribute.Bool("keelhaul.dry_run", l.DryRun))
	ctx = op.Context()

	if o, ok := l.Reporter.(PassObserver); ok {
		o.PassStarted(ctx, passID)
	}
	if pa, ok := l.Resolver.(PassAware); ok {
		pa.BeginPass()
	}

	services, err := l.listServices(ctx)
	if err != nil {
		summary.ListErr = err
		summary.FinishedAt = l.clock().Now()
		log.Warn("list services failed, skipping pass", "err", err)
		op.End(err)
		l.report(ctx, summary)
		return summary
	}
	summary.Listed = len(services)

	jobs := l.plan(services, started, &summary)
	log.Debug("pass planned", "listed", len(services), "eligible", len(jobs), "deferred", summary.Deferred)

	results := make([]Result, len(jobs))
	var g errgroup.Group
	g.SetLimit(l.maxConcurrent())
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = l.runCheck(ctx, op, j)
			return nil
		})
	}
	_ = g.Wait()

	finished := l.clock().Now()
	// Interval overrides are measured between pass starts, so a slow pass
	// does not push the next check back by a tick.
	l.State.Apply(started, results)
	listed := make(map[string]struct{}, len(services))
	for _, svc := range services {
		listed[svc.ID] = struct{}{}
	}
	l.State.Retain(listed)

	for _, r := range results {
		summary.add(r)
	}
	summary.FinishedAt = finished

	op.Annotate(
		attribute.Int("keelhaul.pass.checked", summary.Checked),
		attribute.Int("keelhaul.pass.updated", summary.Updated),
		attribute.Int("keelhaul.pass.errored", summary.Errored),
	)
	op.End(nil)
	l.report(ctx, summary)
	return summary
}

func (l *Loop) report(ctx context.Context, summary Summary) {
	if l.Reporter == nil {
		return
	}
	// A shutdown still gets the final pass recorded.
	l.Reporter.ReportPass(context.WithoutCancel(ctx), summary)
}

func (l *Loop) listServices(ctx context.Context) ([]ServiceRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	services, err := l.Orchestrator.ListServices(callCtx)
	if err != nil {
		return nil, &ListError{Err: err}
	}
	return services, nil
}

// plan applies the filter and interval overrides. Ineligible services get
// no further calls in this pass.
func (l *Loop) plan(services []ServiceRecord, now time.Time, summary *Summary) []job {
	jobs := make([]job, 0, len(services))
	for _, svc := range services {
		eligible, pol, err := l.Filter.Eligible(svc.Name, svc.Labels)
		if err != nil {
			summary.Ignored++
			summary.Warnings = append(summary.Warnings, Warning{ServiceID: svc.ID, ServiceName: svc.Name, Err: err})
			continue
		}
		if !eligible {
			summary.Ignored++
			continue
		}
		prev, _ := l.State.Get(svc.ID)
		if pol.Interval > 0 && !prev.LastCheck.IsZero() && now.Sub(prev.LastCheck) < pol.Interval {
			summary.Deferred++
			continue
		}
		jobs = append(jobs, job{svc: svc, policy: pol, prev: prev})
	}
	return jobs
}

func (l *Loop) runCheck(ctx context.Context, op *telemetry.Operation, j job) Result {
	var res Result
	_ = op.RunStep(ctx, "check "+j.svc.Name, func(stepCtx context.Context) error {
		res = l.checkAndUpdate(stepCtx, j)
		trace.SpanFromContext(stepCtx).SetAttributes(
			attribute.String(telemetry.OutcomeKey, res.Outcome.String()),
			attribute.String(telemetry.ReasonKey, res.Reason.String()),
		)
		if res.Outcome == OutcomeError {
			return res.Err
		}
		return nil
	},
		attribute.String(telemetry.ServiceIDKey, j.svc.ID),
		attribute.String(telemetry.ServiceNameKey, j.svc.Name),
		attribute.String(telemetry.ImageKey, j.svc.Image),
	)
	return res
}

// checkAndUpdate checks one service and, when the decider says so, issues
// the update. Every failure is converted into an Error result.
func (l *Loop) checkAndUpdate(ctx context.Context, j job) Result {
	start := l.clock().Now()
	res := Result{ServiceID: j.svc.ID, ServiceName: j.svc.Name, Image: j.svc.Image, PinnedDigest: j.policy.PinnedDigest}
	finish := func(o Outcome, reason Reason, err error) Result {
		res.Outcome = o
		res.Reason = reason
		res.Err = err
		res.Duration = l.clock().Now().Sub(start)
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(OutcomeError, ReasonCanceled, err)
	}

	ref, err := image.Parse(j.svc.Image)
	if err != nil {
		return finish(OutcomeError, ReasonInvalidReference,
			&ResolveError{Image: j.svc.Image, Reason: ResolveErrorReasonInvalidReference, Err: err})
	}

	running := ref.Digest()
	if running == "" {
		running = j.prev.Digest
	}
	res.OldDigest = running

	// A reference with only a digest has no tag to follow.
	if !ref.HasTag() {
		return finish(OutcomeSkipped, ReasonDigestOnly, nil)
	}
	if !j.policy.AllowsTag(ref.Tag()) {
		return finish(OutcomeSkipped, ReasonTagNotAllowed, nil)
	}

	latest, rerr := l.resolve(ctx, ref.WithoutDigest())
	res.NewDigest = latest

	d := Decide(running, latest, j.policy, rerr)
	switch d.Action {
	case ActionError:
		if errors.Is(rerr, context.Canceled) {
			return finish(OutcomeError, ReasonCanceled, rerr)
		}
		return finish(OutcomeError, d.Reason, rerr)
	case ActionNone:
		return finish(OutcomeNoChange, d.Reason, nil)
	case ActionSkip:
		return finish(OutcomeSkipped, d.Reason, nil)
	}

	if l.DryRun {
		return finish(OutcomeSkipped, ReasonDryRun, nil)
	}
	// Shutdown must not start new updates.
	if err := ctx.Err(); err != nil {
		return finish(OutcomeError, ReasonCanceled, err)
	}

	target := ref.WithDigest(latest)
	ack, err := l.update(ctx, j.svc.ID, target)
	if err != nil {
		return finish(OutcomeError, ReasonUpdateFailed, asUpdateError(j.svc.ID, target.String(), err))
	}
	if !ack.Accepted {
		reason := ack.Reason
		if reason == "" {
			reason = "rejected by orchestrator"
		}
		return finish(OutcomeError, ReasonUpdateRejected, &UpdateError{
			ServiceID: j.svc.ID,
			Image:     target.String(),
			Reason:    UpdateErrorReasonRejected,
			Err:       errors.New(reason),
		})
	}
	res.UpdatedImage = target.String()
	res.Warnings = ack.Warnings
	return finish(OutcomeUpdated, ReasonDigestChanged, nil)
}

// resolve always returns either a valid digest or a *ResolveError.
func (l *Loop) resolve(ctx context.Context, ref image.Reference) (digest.Digest, error) {
	var creds Credentials
	if l.Credentials != nil {
		c, err := l.Credentials.Credentials(ctx, ref.Domain())
		if err != nil {
			return "", &ResolveError{Image: ref.String(), Reason: ResolveErrorReasonAuth, Err: err}
		}
		creds = c
	}

	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	d, err := l.Resolver.ResolveDigest(callCtx, ref, creds)
	if err != nil {
		return "", AsResolveError(ref.String(), err)
	}
	if err := d.Validate(); err != nil {
		return "", &ResolveError{Image: ref.String(), Reason: ResolveErrorReasonUnknown, Err: fmt.Errorf("registry returned invalid digest %q: %w", d, err)}
	}
	return d, nil
}

func (l *Loop) update(ctx context.Context, id string, ref image.Reference) (UpdateAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	return l.Orchestrator.UpdateService(callCtx, id, ref)
}
