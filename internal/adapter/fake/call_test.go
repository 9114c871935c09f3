package fake

import "testing"

func TestCallRecorder(t *testing.T) {
	var r CallRecorder

	r.record("ResolveDigest", "docker.io/library/nginx:1.27")
	r.record("UpdateService", "svc-web", "docker.io/library/nginx:1.27@sha256:b")
	r.record("ResolveDigest", "ghcr.io/acme/api:stable")

	if got := len(r.Calls("")); got != 3 {
		t.Fatalf("Calls(\"\") = %d, want 3", got)
	}
	if got := len(r.Calls("ResolveDigest")); got != 2 {
		t.Fatalf("Calls(ResolveDigest) = %d, want 2", got)
	}
	if got := len(r.CallsWith("UpdateService", "svc-web")); got != 1 {
		t.Fatalf("CallsWith(UpdateService, svc-web) = %d, want 1", got)
	}
	if got := len(r.CallsWith("UpdateService", "svc-api")); got != 0 {
		t.Fatalf("CallsWith(UpdateService, svc-api) = %d, want 0", got)
	}

	r.Reset()
	if got := len(r.Calls("")); got != 0 {
		t.Fatalf("after Reset Calls = %d, want 0", got)
	}
}
