package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/swarm"

	"keelhaul/internal/adapter/docker"
	"keelhaul/internal/adapter/fake"
	"keelhaul/internal/policy"
	"keelhaul/internal/reconcile"
)

func healthySwarm(context.Context) (docker.SwarmStatus, error) {
	return docker.SwarmStatus{State: swarm.LocalNodeStateActive, IsManager: true, Managers: 3, Nodes: 5, ServerVer: "28.5.2"}, nil
}

func offset(d time.Duration) func(string) (time.Duration, error) {
	return func(string) (time.Duration, error) { return d, nil }
}

func byComponent(findings []Finding) map[string]Finding {
	m := make(map[string]Finding, len(findings))
	for _, f := range findings {
		m[f.Component] = f
	}
	return m
}

func TestDoctorHealthy(t *testing.T) {
	orch := fake.NewOrchestrator(
		reconcile.ServiceRecord{ID: "s1", Name: "web", Image: "ghcr.io/acme/web:1", Labels: map[string]string{"keelhaul.enable": "true"}},
		reconcile.ServiceRecord{ID: "s2", Name: "api", Image: "acme/api:2", Labels: map[string]string{"keelhaul.enable": "true"}},
		reconcile.ServiceRecord{ID: "s3", Name: "db", Image: "postgres:16"},
	)
	d := &Doctor{
		Ping:         func(context.Context) error { return nil },
		Swarm:        healthySwarm,
		Orchestrator: orch,
		Filter:       policy.NewFilter(policy.KeysWithPrefix(""), false, nil),
		Credentials: &fake.Credentials{ByHost: map[string]reconcile.Credentials{
			"ghcr.io": {Username: "bot", Password: "pw"},
		}},
		QueryNTP: offset(20 * time.Millisecond),
	}

	findings := d.Run(context.Background())
	if Failed(findings) {
		t.Fatalf("Failed() = true: %+v", findings)
	}
	got := byComponent(findings)
	if f := got["services"]; f.Status != StatusPass || f.Detail != "2 of 3 services managed" {
		t.Fatalf("services = %+v", f)
	}
	if f := got["credentials ghcr.io"]; f.Detail != "authenticated as bot" {
		t.Fatalf("ghcr.io = %+v", f)
	}
	if f := got["credentials docker.io"]; f.Detail != "anonymous" {
		t.Fatalf("docker.io = %+v", f)
	}
	if _, ok := got["credentials postgres"]; ok {
		t.Fatal("unmanaged service registry was checked")
	}
	if got["clock"].Status != StatusPass {
		t.Fatalf("clock = %+v", got["clock"])
	}
}

func TestDoctorEngineDownSkipsDependents(t *testing.T) {
	d := &Doctor{
		Ping:         func(context.Context) error { return errors.New("connection refused") },
		Swarm:        healthySwarm,
		Orchestrator: fake.NewOrchestrator(),
		QueryNTP:     offset(0),
	}
	got := byComponent(d.Run(context.Background()))

	if got["engine"].Status != StatusFail || got["engine"].Fix == "" {
		t.Fatalf("engine = %+v", got["engine"])
	}
	if got["swarm"].Status != StatusSkipped || got["services"].Status != StatusSkipped {
		t.Fatalf("dependent checks not skipped: %+v", got)
	}
}

func TestDoctorSwarm(t *testing.T) {
	tests := []struct {
		name   string
		status docker.SwarmStatus
		err    error
		want   Status
		detail string
	}{
		{name: "manager", status: docker.SwarmStatus{State: swarm.LocalNodeStateActive, IsManager: true}, want: StatusPass},
		{name: "worker", status: docker.SwarmStatus{State: swarm.LocalNodeStateActive}, want: StatusFail, detail: "worker"},
		{name: "inactive", status: docker.SwarmStatus{State: swarm.LocalNodeStateInactive}, want: StatusFail, detail: "inactive"},
		{name: "error", err: errors.New("info failed"), want: StatusFail, detail: "info failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Doctor{Swarm: func(context.Context) (docker.SwarmStatus, error) { return tt.status, tt.err }}
			f := d.checkSwarm(context.Background())
			if f.Status != tt.want || !strings.Contains(f.Detail, tt.detail) {
				t.Fatalf("checkSwarm() = %+v, want %s containing %q", f, tt.want, tt.detail)
			}
		})
	}
}

func TestDoctorClock(t *testing.T) {
	tests := []struct {
		name  string
		query func(string) (time.Duration, error)
		want  Status
	}{
		{name: "in sync", query: offset(100 * time.Millisecond), want: StatusPass},
		{name: "ahead", query: offset(2 * time.Second), want: StatusFail},
		{name: "behind", query: offset(-time.Second), want: StatusFail},
		{name: "unreachable", query: func(string) (time.Duration, error) { return 0, errors.New("i/o timeout") }, want: StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Doctor{QueryNTP: tt.query}
			if f := d.checkClock(); f.Status != tt.want {
				t.Fatalf("checkClock() = %+v, want %s", f, tt.want)
			}
		})
	}
}

func TestDoctorMalformedLabelsWarn(t *testing.T) {
	orch := fake.NewOrchestrator(
		reconcile.ServiceRecord{ID: "s1", Name: "web", Image: "acme/web:1", Labels: map[string]string{"keelhaul.enable": "yes please"}},
	)
	d := &Doctor{
		Orchestrator: orch,
		Filter:       policy.NewFilter(policy.KeysWithPrefix(""), false, nil),
		QueryNTP:     offset(0),
	}
	got := byComponent(d.Run(context.Background()))
	if f := got["services"]; f.Status != StatusWarn || !strings.Contains(f.Detail, "malformed") {
		t.Fatalf("services = %+v", f)
	}
}

func TestDoctorSkipClock(t *testing.T) {
	d := &Doctor{
		SkipClock: true,
		QueryNTP: func(string) (time.Duration, error) {
			t.Fatal("QueryNTP called with SkipClock set")
			return 0, nil
		},
	}
	got := byComponent(d.Run(context.Background()))
	if f := got["clock"]; f.Status != StatusSkipped {
		t.Fatalf("clock = %+v, want skipped", f)
	}
}

func TestDoctorDataDir(t *testing.T) {
	base := t.TempDir()
	readOnly := filepath.Join(base, "ro")
	if err := os.Mkdir(readOnly, 0o500); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		dir  string
		want Status
	}{
		{name: "existing", dir: base, want: StatusPass},
		{name: "created on start", dir: filepath.Join(base, "a", "b"), want: StatusPass},
		{name: "read only", dir: filepath.Join(readOnly, "keelhaul"), want: StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == StatusFail && os.Geteuid() == 0 {
				t.Skip("root bypasses permission checks")
			}
			d := &Doctor{DataDir: tt.dir}
			if f := d.checkDataDir(); f.Status != tt.want {
				t.Fatalf("checkDataDir() = %+v, want %s", f, tt.want)
			}
		})
	}
}
