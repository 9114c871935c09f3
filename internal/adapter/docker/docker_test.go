package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

const (
	apiVersion = "1.47"
	testDigest = "sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// engine is a minimal Engine API double serving the swarm and distribution
// endpoints the adapter uses.
type engine struct {
	mu          sync.Mutex
	services    []swarm.Service
	digests     map[string]string
	updates     []swarm.ServiceSpec
	updateAuth  []string
	listFilters []string
	updateErr   int
}

func (e *engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v"+apiVersion)
	switch {
	case r.Method == http.MethodGet && path == "/services":
		e.listFilters = append(e.listFilters, r.URL.Query().Get("filters"))
		writeJSON(w, http.StatusOK, e.services)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/update"):
		if e.updateErr != 0 {
			writeJSON(w, e.updateErr, map[string]string{"message": "update out of sequence"})
			return
		}
		var spec swarm.ServiceSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		e.updates = append(e.updates, spec)
		e.updateAuth = append(e.updateAuth, r.Header.Get("X-Registry-Auth"))
		writeJSON(w, http.StatusOK, swarm.ServiceUpdateResponse{Warnings: []string{"image could not be accessed on a registry"}})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/services/"):
		id := strings.TrimPrefix(path, "/services/")
		for _, svc := range e.services {
			if svc.ID == id {
				writeJSON(w, http.StatusOK, svc)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "service " + id + " not found"})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/distribution/"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "/distribution/"), "/json")
		if r.Header.Get("X-Registry-Auth") == "" && strings.HasPrefix(name, "ghcr.io/") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "authentication required"})
			return
		}
		d, ok := e.digests[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "manifest unknown"})
			return
		}
		writeJSON(w, http.StatusOK, registry.DistributionInspect{Descriptor: ocispec.Descriptor{Digest: digest.Digest(d)}})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "page not found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, e *engine) *client.Client {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion(apiVersion),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func service(id, name, img string, labels map[string]string) swarm.Service {
	return swarm.Service{
		ID:   id,
		Meta: swarm.Meta{Version: swarm.Version{Index: 7}},
		Spec: swarm.ServiceSpec{
			Annotations:  swarm.Annotations{Name: name, Labels: labels},
			TaskTemplate: swarm.TaskSpec{ContainerSpec: &swarm.ContainerSpec{Image: img}},
		},
	}
}

func TestOrchestratorListServices(t *testing.T) {
	plugin := swarm.Service{ID: "p1", Spec: swarm.ServiceSpec{Annotations: swarm.Annotations{Name: "plugin"}}}
	e := &engine{services: []swarm.Service{
		service("s1", "web", "nginx:1.27", map[string]string{"keelhaul.enable": "true"}),
		plugin,
	}}
	o, err := NewOrchestrator(newTestClient(t, e), []string{"label=keelhaul.enable=true"}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	got, err := o.ListServices(t.Context())
	if err != nil {
		t.Fatalf("ListServices() error = %v", err)
	}
	want := []reconcile.ServiceRecord{{ID: "s1", Name: "web", Image: "nginx:1.27", Labels: map[string]string{"keelhaul.enable": "true"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListServices() mismatch (-want +got):\n%s", diff)
	}
	if len(e.listFilters) != 1 || !strings.Contains(e.listFilters[0], "keelhaul.enable=true") {
		t.Fatalf("list filters = %v", e.listFilters)
	}
}

func TestOrchestratorUpdateService(t *testing.T) {
	e := &engine{services: []swarm.Service{service("s1", "web", "nginx:1.27", nil)}}
	creds := staticSource{creds: reconcile.Credentials{ServerAddress: "https://index.docker.io/v1/", Username: "bot", Password: "pw"}}
	o, _ := NewOrchestrator(newTestClient(t, e), nil, creds)

	ref := image.MustParse("nginx:1.27").WithDigest(testDigest)
	ack, err := o.UpdateService(t.Context(), "s1", ref)
	if err != nil || !ack.Accepted {
		t.Fatalf("UpdateService() = %+v, %v", ack, err)
	}
	if len(ack.Warnings) != 1 {
		t.Fatalf("warnings = %v, want the engine's warning", ack.Warnings)
	}
	if len(e.updates) != 1 {
		t.Fatalf("engine updates = %d, want 1", len(e.updates))
	}
	spec := e.updates[0]
	// The client sends the familiar form of the reference.
	sent, err := image.Parse(spec.TaskTemplate.ContainerSpec.Image)
	if err != nil || sent.String() != ref.String() {
		t.Fatalf("updated image = %q (%v), want %q", spec.TaskTemplate.ContainerSpec.Image, err, ref.String())
	}
	if spec.TaskTemplate.ForceUpdate != 1 {
		t.Fatalf("force update = %d, want 1", spec.TaskTemplate.ForceUpdate)
	}

	raw, err := base64.URLEncoding.DecodeString(e.updateAuth[0])
	if err != nil {
		t.Fatalf("decode X-Registry-Auth: %v", err)
	}
	var auth registry.AuthConfig
	if err := json.Unmarshal(raw, &auth); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	if auth.Username != "bot" {
		t.Fatalf("update auth user = %q, want bot", auth.Username)
	}
}

func TestOrchestratorUpdateRejections(t *testing.T) {
	e := &engine{services: []swarm.Service{service("s1", "web", "nginx:1.27", nil)}}
	o, _ := NewOrchestrator(newTestClient(t, e), nil, nil)
	ref := image.MustParse("nginx:1.27").WithDigest(testDigest)

	ack, err := o.UpdateService(t.Context(), "gone", ref)
	if err != nil || ack.Accepted || ack.Reason == "" {
		t.Fatalf("update of removed service = %+v, %v, want rejection", ack, err)
	}

	e.updateErr = http.StatusConflict
	ack, err = o.UpdateService(t.Context(), "s1", ref)
	if err != nil || ack.Accepted {
		t.Fatalf("conflicting update = %+v, %v, want rejection", ack, err)
	}
}

func TestOrchestratorUnreachable(t *testing.T) {
	cli, err := client.NewClientWithOpts(client.WithHost("tcp://127.0.0.1:1"), client.WithVersion(apiVersion))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	o, _ := NewOrchestrator(cli, nil, nil)
	if _, err := o.ListServices(t.Context()); err == nil {
		t.Fatal("ListServices() against closed port should fail")
	}
	_, err = o.UpdateService(t.Context(), "s1", image.MustParse("nginx:1"))
	if err == nil {
		t.Fatal("UpdateService() against closed port should return a transport error")
	}
}

func TestParseFilters(t *testing.T) {
	args, err := ParseFilters([]string{"label=com.example.team=web", " name=api ", ""})
	if err != nil {
		t.Fatalf("ParseFilters() error = %v", err)
	}
	if !args.ExactMatch("name", "api") || !args.Contains("label") {
		t.Fatalf("ParseFilters() = %v", args)
	}
	if _, err := ParseFilters([]string{"label"}); err == nil {
		t.Fatal("ParseFilters(label) should fail")
	}
}

func TestResolver(t *testing.T) {
	e := &engine{digests: map[string]string{
		"docker.io/library/nginx:1.27": testDigest,
		"ghcr.io/acme/api:stable":      testDigest,
	}}
	r := NewResolver(newTestClient(t, e))

	d, err := r.ResolveDigest(t.Context(), image.MustParse("nginx:1.27"), reconcile.Credentials{})
	if err != nil || d.String() != testDigest {
		t.Fatalf("ResolveDigest(nginx) = %s, %v", d, err)
	}

	tests := []struct {
		ref  string
		want reconcile.ResolveErrorReason
	}{
		{"nginx:missing", reconcile.ResolveErrorReasonNotFound},
		{"ghcr.io/acme/api:stable", reconcile.ResolveErrorReasonAuth},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := r.ResolveDigest(t.Context(), image.MustParse(tt.ref), reconcile.Credentials{})
			var re *reconcile.ResolveError
			if !errors.As(err, &re) || re.Reason != tt.want {
				t.Fatalf("ResolveDigest(%s) error = %v, want reason %s", tt.ref, err, tt.want)
			}
		})
	}

	d, err = r.ResolveDigest(t.Context(), image.MustParse("ghcr.io/acme/api:stable"), reconcile.Credentials{Username: "bot", Password: "pw"})
	if err != nil || d.String() != testDigest {
		t.Fatalf("authenticated ResolveDigest = %s, %v", d, err)
	}
}

func TestResolverRejectsDigestOnly(t *testing.T) {
	r := NewResolver(newTestClient(t, &engine{}))
	_, err := r.ResolveDigest(t.Context(), image.MustParse("nginx@"+testDigest), reconcile.Credentials{})
	var re *reconcile.ResolveError
	if !errors.As(err, &re) || re.Reason != reconcile.ResolveErrorReasonInvalidReference {
		t.Fatalf("ResolveDigest(digest only) error = %v", err)
	}
}

func TestClassifyResolveMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want reconcile.ResolveErrorReason
	}{
		{"Error response from daemon: toomanyrequests: You have reached your pull rate limit", reconcile.ResolveErrorReasonRateLimited},
		{"Get https://registry.example.com/v2/: dial tcp: lookup registry.example.com: no such host", reconcile.ResolveErrorReasonNetwork},
		{"errors: denied: requested access to the resource is denied", reconcile.ResolveErrorReasonAuth},
		{"something odd", reconcile.ResolveErrorReasonUnknown},
	}
	for _, tt := range tests {
		if got := classifyResolve(t.Context(), errors.New(tt.msg)); got != tt.want {
			t.Errorf("classifyResolve(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

type staticSource struct{ creds reconcile.Credentials }

func (s staticSource) Credentials(context.Context, string) (reconcile.Credentials, error) {
	return s.creds, nil
}
