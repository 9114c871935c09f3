package reconcile

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"keelhaul/internal/image"
)

// Orchestrator enumerates services and rolls them to new images.
// Production: adapter/docker.Orchestrator
// Testing: adapter/fake.Orchestrator
type Orchestrator interface {
	ListServices(ctx context.Context) ([]ServiceRecord, error)
	// UpdateService asks the orchestrator to roll service id to ref. A nil
	// error with a rejected ack means the request reached the orchestrator
	// and was refused.
	UpdateService(ctx context.Context, id string, ref image.Reference) (UpdateAck, error)
}

// Resolver looks up the digest a tag currently points at.
// Production: registry.Cache wrapping adapter/docker.Resolver
// Testing: adapter/fake.Resolver
type Resolver interface {
	ResolveDigest(ctx context.Context, ref image.Reference, creds Credentials) (digest.Digest, error)
}

// PassAware resolvers are told when a new pass begins so they can drop
// per-pass state.
type PassAware interface {
	BeginPass()
}

// CredentialSource supplies registry credentials per host.
// Production: registry.DockerConfigCredentials, registry.StaticCredentials
type CredentialSource interface {
	Credentials(ctx context.Context, host string) (Credentials, error)
}

// Reporter receives a summary after every pass.
type Reporter interface {
	ReportPass(ctx context.Context, summary Summary)
}

// PassObserver reporters are also told when a pass starts.
type PassObserver interface {
	PassStarted(ctx context.Context, passID string)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
