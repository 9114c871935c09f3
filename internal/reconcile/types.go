package reconcile

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// ServiceRecord is one service as reported by the orchestrator.
type ServiceRecord struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
}

// UpdateAck is the orchestrator's answer to an update request.
type UpdateAck struct {
	Accepted bool
	Reason   string
	Warnings []string
}

// Credentials authenticate against one registry host. The zero value is
// anonymous access.
type Credentials struct {
	ServerAddress string
	Username      string
	Password      string
	IdentityToken string
	RegistryToken string
}

func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.IdentityToken == "" && c.RegistryToken == ""
}

// Result is the outcome of checking one service in one pass.
type Result struct {
	ServiceID    string
	ServiceName  string
	Image        string
	Outcome      Outcome
	Reason       Reason
	OldDigest    digest.Digest
	NewDigest    digest.Digest
	PinnedDigest digest.Digest
	UpdatedImage string
	Warnings     []string
	Err          error
	Duration     time.Duration
}

// Detail renders a one-line human description of the result.
func (r Result) Detail() string {
	switch r.Outcome {
	case OutcomeUpdated:
		return fmt.Sprintf("%s -> %s", shortDigest(r.OldDigest), shortDigest(r.NewDigest))
	case OutcomeError:
		if r.Err != nil {
			return r.Err.Error()
		}
		return r.Reason.String()
	case OutcomeSkipped:
		if r.Reason == ReasonOffPin {
			return fmt.Sprintf("running %s, pinned to %s", shortDigest(r.OldDigest), shortDigest(r.PinnedDigest))
		}
		if r.NewDigest != "" && r.NewDigest != r.OldDigest {
			return fmt.Sprintf("%s (available %s)", r.Reason, shortDigest(r.NewDigest))
		}
		return r.Reason.String()
	default:
		return r.Reason.String()
	}
}

// ServiceState is what the agent remembers about a service between passes.
type ServiceState struct {
	Digest     digest.Digest
	LastCheck  time.Time
	LastUpdate time.Time
	LastError  string
}

func shortDigest(d digest.Digest) string {
	if d == "" {
		return "-"
	}
	if err := d.Validate(); err != nil {
		return d.String()
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return d.Algorithm().String() + ":" + enc
}
