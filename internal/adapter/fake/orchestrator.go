package fake

import (
	"context"
	"maps"
	"slices"
	"sync"

	"keelhaul/internal/adapter/fake/fault"
	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

// Fault points evaluated by the fakes.
const (
	PointListServices  = "orchestrator.list_services"
	PointUpdateService = "orchestrator.update_service"
	PointResolveDigest = "resolver.resolve_digest"
	PointCredentials   = "credentials.lookup"
)

var _ reconcile.Orchestrator = (*Orchestrator)(nil)

// Orchestrator is an in-memory swarm. Accepted updates rewrite the stored
// service image, as the real orchestrator does.
type Orchestrator struct {
	CallRecorder
	Faults *fault.Injector
	// Reject is consulted for every update; a non-empty reason refuses it.
	Reject func(id string, ref image.Reference) string
	// Warnings are attached to every accepted update.
	Warnings []string

	mu       sync.Mutex
	services []reconcile.ServiceRecord
}

func NewOrchestrator(services ...reconcile.ServiceRecord) *Orchestrator {
	o := &Orchestrator{Faults: fault.NewInjector()}
	for _, svc := range services {
		o.Upsert(svc)
	}
	return o
}

// Upsert adds svc or replaces the service with the same ID.
func (o *Orchestrator) Upsert(svc reconcile.ServiceRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	svc.Labels = maps.Clone(svc.Labels)
	if i := o.index(svc.ID); i >= 0 {
		o.services[i] = svc
		return
	}
	o.services = append(o.services, svc)
}

func (o *Orchestrator) Remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.index(id); i >= 0 {
		o.services = slices.Delete(o.services, i, i+1)
	}
}

// Service returns the stored service with id.
func (o *Orchestrator) Service(id string) (reconcile.ServiceRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.index(id); i >= 0 {
		return o.services[i], true
	}
	return reconcile.ServiceRecord{}, false
}

func (o *Orchestrator) ListServices(ctx context.Context) ([]reconcile.ServiceRecord, error) {
	o.record("ListServices")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.Faults.Eval(PointListServices); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]reconcile.ServiceRecord, len(o.services))
	for i, svc := range o.services {
		svc.Labels = maps.Clone(svc.Labels)
		out[i] = svc
	}
	return out, nil
}

func (o *Orchestrator) UpdateService(ctx context.Context, id string, ref image.Reference) (reconcile.UpdateAck, error) {
	o.record("UpdateService", id, ref.String())
	if err := ctx.Err(); err != nil {
		return reconcile.UpdateAck{}, err
	}
	if err := o.Faults.Eval(PointUpdateService, id, ref.String()); err != nil {
		return reconcile.UpdateAck{}, err
	}
	if o.Reject != nil {
		if reason := o.Reject(id, ref); reason != "" {
			return reconcile.UpdateAck{Reason: reason}, nil
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.index(id)
	if i < 0 {
		return reconcile.UpdateAck{Reason: "service " + id + " not found"}, nil
	}
	o.services[i].Image = ref.String()
	return reconcile.UpdateAck{Accepted: true, Warnings: slices.Clone(o.Warnings)}, nil
}

func (o *Orchestrator) index(id string) int {
	return slices.IndexFunc(o.services, func(s reconcile.ServiceRecord) bool { return s.ID == id })
}
