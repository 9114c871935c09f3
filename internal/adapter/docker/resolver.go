package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"

	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

var _ reconcile.Resolver = (*Resolver)(nil)

// Resolver asks the engine's distribution endpoint which manifest a tag
// currently points at. The engine does the registry round trip, so the
// agent needs no direct registry access.
type Resolver struct {
	cli client.DistributionAPIClient
}

func NewResolver(cli client.DistributionAPIClient) *Resolver {
	return &Resolver{cli: cli}
}

func (r *Resolver) ResolveDigest(ctx context.Context, ref image.Reference, creds reconcile.Credentials) (digest.Digest, error) {
	name := ref.TagRef()
	if name == "" {
		return "", &reconcile.ResolveError{Image: ref.String(), Reason: reconcile.ResolveErrorReasonInvalidReference, Err: errors.New("reference has no tag")}
	}
	auth, err := EncodeAuth(creds)
	if err != nil {
		return "", &reconcile.ResolveError{Image: name, Reason: reconcile.ResolveErrorReasonAuth, Err: err}
	}

	inspect, err := r.cli.DistributionInspect(ctx, name, auth)
	if err != nil {
		return "", &reconcile.ResolveError{Image: name, Reason: classifyResolve(ctx, err), Err: err}
	}
	d := inspect.Descriptor.Digest
	if err := d.Validate(); err != nil {
		return "", &reconcile.ResolveError{Image: name, Reason: reconcile.ResolveErrorReasonUnknown, Err: fmt.Errorf("engine returned digest %q: %w", d, err)}
	}
	return d, nil
}

func classifyResolve(ctx context.Context, err error) reconcile.ResolveErrorReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadlineExceeded(err), ctx.Err() != nil:
		return reconcile.ResolveErrorReasonTimeout
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return reconcile.ResolveErrorReasonNetwork
	case errdefs.IsUnauthorized(err), errdefs.IsPermissionDenied(err):
		return reconcile.ResolveErrorReasonAuth
	case errdefs.IsNotFound(err):
		return reconcile.ResolveErrorReasonNotFound
	case errdefs.IsInvalidArgument(err):
		return reconcile.ResolveErrorReasonInvalidReference
	case errdefs.IsResourceExhausted(err):
		return reconcile.ResolveErrorReasonRateLimited
	}

	// The engine reports most registry failures as a 500 carrying the
	// registry's message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication required"), strings.Contains(msg, "denied"):
		return reconcile.ResolveErrorReasonAuth
	case strings.Contains(msg, "manifest unknown"), strings.Contains(msg, "not found"):
		return reconcile.ResolveErrorReasonNotFound
	case strings.Contains(msg, "toomanyrequests"), strings.Contains(msg, "rate limit"):
		return reconcile.ResolveErrorReasonRateLimited
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "i/o timeout"):
		return reconcile.ResolveErrorReasonNetwork
	default:
		return reconcile.ResolveErrorReasonUnknown
	}
}
