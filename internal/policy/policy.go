// Package policy turns service labels into the per-service update policy.
//
// Management is opt-in: a service is only touched when it carries the enable
// label. Everything here is a pure function of the label map, recomputed on
// every pass, so label edits take effect on the next pass.
package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// DefaultLabelPrefix namespaces the policy labels.
const DefaultLabelPrefix = "keelhaul"

// LabelKeys names the labels the filter reads.
type LabelKeys struct {
	Enable     string
	Interval   string
	Pin        string
	TagPattern string
}

// KeysWithPrefix derives the label keys for prefix ("keelhaul" ->
// "keelhaul.enable", ...).
func KeysWithPrefix(prefix string) LabelKeys {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	return LabelKeys{
		Enable:     prefix + ".enable",
		Interval:   prefix + ".interval",
		Pin:        prefix + ".pin",
		TagPattern: prefix + ".tag-pattern",
	}
}

// Policy is the update policy of one service for one pass.
type Policy struct {
	Enabled bool
	// Interval, when non-zero, is the minimum time between two checks of
	// the service. Shorter than the poll interval has no effect.
	Interval time.Duration
	// Pinned services are checked and drift is reported, but they are never
	// updated. PinnedDigest is set when the pin label names a digest; a
	// service running anything else is reported as off its pin.
	Pinned       bool
	PinnedDigest digest.Digest
	TagPattern   *regexp.Regexp
}

// AllowsTag reports whether tag is tracked under this policy.
func (p Policy) AllowsTag(tag string) bool {
	if p.TagPattern == nil {
		return true
	}
	return p.TagPattern.MatchString(tag)
}

// FilterError reports a malformed policy label. The service is treated as
// ineligible for the pass.
type FilterError struct {
	Service string
	Label   string
	Value   string
	Err     error
}

func (e *FilterError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("service %q: label %s=%q: %v", e.Service, e.Label, e.Value, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// Parse builds the Policy for a label map. defaultEnabled applies when the
// enable label is absent. The returned error is always a *FilterError.
func Parse(service string, labels map[string]string, keys LabelKeys, defaultEnabled bool) (Policy, error) {
	p := Policy{Enabled: defaultEnabled}
	fail := func(label, value string, err error) (Policy, error) {
		return Policy{}, &FilterError{Service: service, Label: label, Value: value, Err: err}
	}

	if v, ok := labels[keys.Enable]; ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fail(keys.Enable, v, fmt.Errorf("not a boolean"))
		}
		p.Enabled = enabled
	}

	if v, ok := labels[keys.Interval]; ok {
		d, err := ParseInterval(v)
		if err != nil {
			return fail(keys.Interval, v, err)
		}
		p.Interval = d
	}

	if v, ok := labels[keys.Pin]; ok {
		v = strings.TrimSpace(v)
		if b, err := strconv.ParseBool(v); err == nil {
			p.Pinned = b
		} else {
			d, derr := digest.Parse(v)
			if derr != nil {
				return fail(keys.Pin, v, fmt.Errorf("want a boolean or a digest: %w", derr))
			}
			p.Pinned = true
			p.PinnedDigest = d
		}
	}

	if v, ok := labels[keys.TagPattern]; ok && strings.TrimSpace(v) != "" {
		re, err := regexp.Compile("^(?:" + strings.TrimSpace(v) + ")$")
		if err != nil {
			return fail(keys.TagPattern, v, err)
		}
		p.TagPattern = re
	}

	return p, nil
}
