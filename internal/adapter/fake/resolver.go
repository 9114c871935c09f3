package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/opencontainers/go-digest"

	"keelhaul/internal/adapter/fake/fault"
	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

var _ reconcile.Resolver = (*Resolver)(nil)

// Resolver is an in-memory registry keyed by tagged reference.
type Resolver struct {
	CallRecorder
	Faults *fault.Injector
	// Gate, when set, holds every call until a value is received or the
	// channel is closed.
	Gate chan struct{}

	mu          sync.Mutex
	digests     map[string]digest.Digest
	inFlight    int
	maxInFlight int
}

func NewResolver() *Resolver {
	return &Resolver{Faults: fault.NewInjector(), digests: make(map[string]digest.Digest)}
}

// Set makes ref resolve to d. ref is normalized, so "nginx" and
// "docker.io/library/nginx:latest" are the same entry.
func (r *Resolver) Set(ref string, d digest.Digest) {
	key := image.MustParse(ref).TagRef()
	r.mu.Lock()
	r.digests[key] = d
	r.mu.Unlock()
}

// InFlight reports the calls currently inside ResolveDigest.
func (r *Resolver) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// MaxInFlight reports the highest concurrency observed.
func (r *Resolver) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

func (r *Resolver) ResolveDigest(ctx context.Context, ref image.Reference, creds reconcile.Credentials) (digest.Digest, error) {
	key := ref.TagRef()
	r.record("ResolveDigest", key, creds)

	r.mu.Lock()
	r.inFlight++
	r.maxInFlight = max(r.maxInFlight, r.inFlight)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := r.Faults.Eval(PointResolveDigest, key); err != nil {
		return "", err
	}

	r.mu.Lock()
	d, ok := r.digests[key]
	r.mu.Unlock()
	if !ok {
		return "", &reconcile.ResolveError{Image: key, Reason: reconcile.ResolveErrorReasonNotFound, Err: errors.New("manifest unknown")}
	}
	return d, nil
}

var _ reconcile.CredentialSource = (*Credentials)(nil)

// Credentials hands out fixed credentials per registry host.
type Credentials struct {
	CallRecorder
	Faults *fault.Injector
	ByHost map[string]reconcile.Credentials
}

func (c *Credentials) Credentials(_ context.Context, host string) (reconcile.Credentials, error) {
	c.record("Credentials", host)
	if err := c.Faults.Eval(PointCredentials, host); err != nil {
		return reconcile.Credentials{}, err
	}
	return c.ByHost[host], nil
}
