package fake

import (
	"context"
	"errors"
	"testing"

	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

const (
	digestOld = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	digestNew = "sha256:2222222222222222222222222222222222222222222222222222222222222222"
)

func TestOrchestratorUpdateRewritesImage(t *testing.T) {
	o := NewOrchestrator(reconcile.ServiceRecord{ID: "s1", Name: "web", Image: "nginx:1.27"})
	ctx := t.Context()

	ref := image.MustParse("nginx:1.27").WithDigest(digestNew)
	ack, err := o.UpdateService(ctx, "s1", ref)
	if err != nil || !ack.Accepted {
		t.Fatalf("UpdateService() = %+v, %v", ack, err)
	}
	svc, _ := o.Service("s1")
	if svc.Image != ref.String() {
		t.Fatalf("stored image = %q, want %q", svc.Image, ref.String())
	}

	ack, err = o.UpdateService(ctx, "missing", ref)
	if err != nil || ack.Accepted {
		t.Fatalf("update of missing service = %+v, %v, want rejection", ack, err)
	}
	if got := len(o.Calls("UpdateService")); got != 2 {
		t.Fatalf("UpdateService calls = %d, want 2", got)
	}
}

func TestOrchestratorListFault(t *testing.T) {
	o := NewOrchestrator()
	injected := errors.New("daemon unreachable")
	o.Faults.FailOnce(PointListServices, injected)

	if _, err := o.ListServices(t.Context()); !errors.Is(err, injected) {
		t.Fatalf("ListServices() error = %v, want %v", err, injected)
	}
	if _, err := o.ListServices(t.Context()); err != nil {
		t.Fatalf("second ListServices() error = %v", err)
	}
}

func TestResolverNormalizesKeys(t *testing.T) {
	r := NewResolver()
	r.Set("nginx", digestOld)

	d, err := r.ResolveDigest(t.Context(), image.MustParse("docker.io/library/nginx:latest"), reconcile.Credentials{})
	if err != nil {
		t.Fatalf("ResolveDigest() error = %v", err)
	}
	if d != digestOld {
		t.Fatalf("ResolveDigest() = %s, want %s", d, digestOld)
	}

	_, err = r.ResolveDigest(t.Context(), image.MustParse("nginx:missing"), reconcile.Credentials{})
	var re *reconcile.ResolveError
	if !errors.As(err, &re) || re.Reason != reconcile.ResolveErrorReasonNotFound {
		t.Fatalf("missing tag error = %v, want not_found ResolveError", err)
	}
}

func TestResolverGateHonorsContext(t *testing.T) {
	r := NewResolver()
	r.Set("nginx:1", digestOld)
	r.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := r.ResolveDigest(ctx, image.MustParse("nginx:1"), reconcile.Credentials{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("ResolveDigest() error = %v, want context.Canceled", err)
	}
	if r.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after return, want 0", r.InFlight())
	}
}
