package fake

import (
	"slices"
	"sync"
)

// Call is one recorded method invocation.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder is embedded by fakes so tests can assert on traffic.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns the recorded calls of method, or every call when method
// is empty.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if method == "" {
		return slices.Clone(r.calls)
	}
	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallsWith returns the calls of method whose first argument is arg.
func (r *CallRecorder) CallsWith(method string, arg any) []Call {
	var out []Call
	for _, c := range r.Calls(method) {
		if len(c.Args) > 0 && c.Args[0] == arg {
			out = append(out, c)
		}
	}
	return out
}

func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
