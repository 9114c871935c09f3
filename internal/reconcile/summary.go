package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Warning is a non-fatal per-service problem found before any check ran,
// such as a malformed policy label.
type Warning struct {
	ServiceID   string
	ServiceName string
	Err         error
}

// Summary aggregates one reconciliation pass.
type Summary struct {
	PassID     string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	// Listed counts every service the orchestrator returned. Ignored ones
	// were filtered out; Deferred ones were eligible but their interval
	// override had not elapsed.
	Listed   int
	Ignored  int
	Deferred int

	Checked   int
	Unchanged int
	Updated   int
	Skipped   int
	Errored   int

	Results  []Result
	Warnings []Warning
	// ListErr is set when the pass was abandoned because listing failed.
	ListErr error
}

func (s Summary) Duration() time.Duration {
	if s.FinishedAt.Before(s.StartedAt) {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// OK reports whether the pass completed with no per-service errors.
func (s Summary) OK() bool {
	return s.ListErr == nil && s.Errored == 0
}

func (s Summary) Count(o Outcome) int {
	switch o {
	case OutcomeNoChange:
		return s.Unchanged
	case OutcomeUpdated:
		return s.Updated
	case OutcomeSkipped:
		return s.Skipped
	case OutcomeError:
		return s.Errored
	default:
		return 0
	}
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	s.Checked++
	switch r.Outcome {
	case OutcomeNoChange:
		s.Unchanged++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeError:
		s.Errored++
	}
}

// Reporters fans a summary out to several reporters in order.
type Reporters []Reporter

func (rs Reporters) ReportPass(ctx context.Context, summary Summary) {
	for _, r := range rs {
		if r != nil {
			r.ReportPass(ctx, summary)
		}
	}
}

func (rs Reporters) PassStarted(ctx context.Context, passID string) {
	for _, r := range rs {
		if o, ok := r.(PassObserver); ok {
			o.PassStarted(ctx, passID)
		}
	}
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, summary Summary)

func (f ReporterFunc) ReportPass(ctx context.Context, summary Summary) { f(ctx, summary) }

// LogReporter writes one line per pass plus one per updated or errored
// service.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportPass(ctx context.Context, s Summary) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pass", s.PassID)

	if s.ListErr != nil {
		log.WarnContext(ctx, "reconciliation pass skipped", "err", s.ListErr)
		return
	}
	for _, w := range s.Warnings {
		log.WarnContext(ctx, "service ignored", "service", w.ServiceName, "err", w.Err)
	}
	for _, res := range s.Results {
		switch res.Outcome {
		case OutcomeUpdated:
			log.InfoContext(ctx, "service updated",
				"service", res.ServiceName, "image", res.UpdatedImage,
				"old", res.OldDigest.String(), "new", res.NewDigest.String())
			for _, w := range res.Warnings {
				log.WarnContext(ctx, "orchestrator warning", "service", res.ServiceName, "warning", w)
			}
		case OutcomeError:
			log.WarnContext(ctx, "service check failed",
				"service", res.ServiceName, "reason", res.Reason.String(), "err", res.Err)
		case OutcomeSkipped:
			switch res.Reason {
			case ReasonOffPin:
				log.WarnContext(ctx, "service is not running its pinned digest",
					"service", res.ServiceName,
					"running", res.OldDigest.String(), "pinned", res.PinnedDigest.String())
			case ReasonPinned, ReasonDryRun:
				log.InfoContext(ctx, "drift not applied",
					"service", res.ServiceName, "reason", res.Reason.String(),
					"running", res.OldDigest.String(), "available", res.NewDigest.String())
			}
		}
	}

	level := slog.LevelInfo
	if s.Errored > 0 {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "reconciliation pass complete",
		"listed", s.Listed,
		"checked", s.Checked,
		"unchanged", s.Unchanged,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"errored", s.Errored,
		"deferred", s.Deferred,
		"ignored", s.Ignored,
		"dry_run", s.DryRun,
		"duration", s.Duration().Round(time.Millisecond).String(),
	)
}
