package reconcile

// Outcome is the per-service result of one check.
type Outcome uint8

const (
	OutcomeNoChange Outcome = iota + 1
	OutcomeUpdated
	OutcomeSkipped
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeNoChange, OutcomeUpdated, OutcomeSkipped, OutcomeError:
		return true
	default:
		return false
	}
}

// Reason refines an Outcome.
type Reason uint8

const (
	ReasonUnknown Reason = iota + 1
	ReasonFirstObservation
	ReasonUpToDate
	ReasonDigestChanged
	ReasonPinned
	ReasonDisabled
	ReasonDryRun
	ReasonTagNotAllowed
	ReasonDigestOnly
	ReasonInvalidReference
	ReasonResolveFailed
	ReasonUpdateRejected
	ReasonUpdateFailed
	ReasonCanceled
	ReasonOffPin
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknown:
		return "unknown"
	case ReasonFirstObservation:
		return "first_observation"
	case ReasonUpToDate:
		return "up_to_date"
	case ReasonDigestChanged:
		return "digest_changed"
	case ReasonPinned:
		return "pinned"
	case ReasonDisabled:
		return "disabled"
	case ReasonDryRun:
		return "dry_run"
	case ReasonTagNotAllowed:
		return "tag_not_allowed"
	case ReasonDigestOnly:
		return "untracked_digest_only"
	case ReasonInvalidReference:
		return "invalid_reference"
	case ReasonResolveFailed:
		return "resolve_failed"
	case ReasonUpdateRejected:
		return "update_rejected"
	case ReasonUpdateFailed:
		return "update_failed"
	case ReasonCanceled:
		return "canceled"
	case ReasonOffPin:
		return "off_pin"
	default:
		return "unknown"
	}
}

// Action is what the decider asks the check to do next.
type Action uint8

const (
	ActionNone Action = iota + 1
	ActionUpdate
	ActionSkip
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "no_change"
	case ActionUpdate:
		return "update"
	case ActionSkip:
		return "skip"
	case ActionError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseOutcome maps the String form back to an Outcome.
func ParseOutcome(s string) (Outcome, bool) {
	for o := OutcomeNoChange; o <= OutcomeError; o++ {
		if o.String() == s {
			return o, true
		}
	}
	return 0, false
}
