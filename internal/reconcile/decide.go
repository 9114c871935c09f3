package reconcile

import (
	"github.com/opencontainers/go-digest"

	"keelhaul/internal/policy"
)

// Decision is the decider's verdict for one service.
type Decision struct {
	Action Action
	Reason Reason
}

// Decide compares the running digest with the registry digest under a
// policy. It is pure; the first matching rule wins:
//
//	resolve error          -> error
//	no running digest      -> no change, record the registry digest
//	running != pinned      -> skip, the service left its pinned digest
//	digests equal          -> no change
//	pinned                 -> skip
//	not enabled            -> skip
//	otherwise              -> update
func Decide(running, latest digest.Digest, p policy.Policy, resolveErr error) Decision {
	switch {
	case resolveErr != nil:
		return Decision{Action: ActionError, Reason: ReasonResolveFailed}
	case running == "":
		return Decision{Action: ActionNone, Reason: ReasonFirstObservation}
	case p.PinnedDigest != "" && running != p.PinnedDigest:
		return Decision{Action: ActionSkip, Reason: ReasonOffPin}
	case running == latest:
		return Decision{Action: ActionNone, Reason: ReasonUpToDate}
	case p.Pinned:
		return Decision{Action: ActionSkip, Reason: ReasonPinned}
	case !p.Enabled:
		return Decision{Action: ActionSkip, Reason: ReasonDisabled}
	default:
		return Decision{Action: ActionUpdate, Reason: ReasonDigestChanged}
	}
}
