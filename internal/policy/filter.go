package policy

import "strings"

// Filter decides which services are in scope for a pass.
type Filter struct {
	Keys           LabelKeys
	DefaultEnabled bool
	exclude        map[string]struct{}
}

// NewFilter builds a Filter. Services named in exclude are never managed,
// whatever their labels say.
func NewFilter(keys LabelKeys, defaultEnabled bool, exclude []string) *Filter {
	f := &Filter{Keys: keys, DefaultEnabled: defaultEnabled, exclude: make(map[string]struct{}, len(exclude))}
	for _, name := range exclude {
		if name = strings.TrimSpace(name); name != "" {
			f.exclude[name] = struct{}{}
		}
	}
	return f
}

// Eligible returns whether the service is managed and under which policy.
// A non-nil error is a *FilterError; the service is then ineligible.
func (f *Filter) Eligible(name string, labels map[string]string) (bool, Policy, error) {
	if _, excluded := f.exclude[name]; excluded {
		return false, Policy{}, nil
	}
	p, err := Parse(name, labels, f.Keys, f.DefaultEnabled)
	if err != nil {
		return false, Policy{}, err
	}
	return p.Enabled, p, nil
}
