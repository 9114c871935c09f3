package image

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

const (
	digestA = digest.Digest("sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	digestB = digest.Digest("sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantDomain string
		wantPath   string
		wantTag    string
		wantDigest digest.Digest
		wantString string
	}{
		{
			name:       "bare name defaults to latest on docker hub",
			in:         "nginx",
			wantDomain: "docker.io",
			wantPath:   "library/nginx",
			wantTag:    "latest",
			wantString: "docker.io/library/nginx:latest",
		},
		{
			name:       "custom registry with tag",
			in:         "ghcr.io/acme/web:1.4",
			wantDomain: "ghcr.io",
			wantPath:   "acme/web",
			wantTag:    "1.4",
			wantString: "ghcr.io/acme/web:1.4",
		},
		{
			name:       "swarm pinned spec image keeps tag and digest",
			in:         "registry.local:5000/api:stable@" + digestA.String(),
			wantDomain: "registry.local:5000",
			wantPath:   "api",
			wantTag:    "stable",
			wantDigest: digestA,
			wantString: "registry.local:5000/api:stable@" + digestA.String(),
		},
		{
			name:       "digest only reference has no tag",
			in:         "redis@" + digestB.String(),
			wantDomain: "docker.io",
			wantPath:   "library/redis",
			wantDigest: digestB,
			wantString: "docker.io/library/redis@" + digestB.String(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.in, err)
			}
			if ref.Domain() != tt.wantDomain {
				t.Errorf("Domain() = %q, want %q", ref.Domain(), tt.wantDomain)
			}
			if ref.Path() != tt.wantPath {
				t.Errorf("Path() = %q, want %q", ref.Path(), tt.wantPath)
			}
			if ref.Tag() != tt.wantTag {
				t.Errorf("Tag() = %q, want %q", ref.Tag(), tt.wantTag)
			}
			if ref.Digest() != tt.wantDigest {
				t.Errorf("Digest() = %q, want %q", ref.Digest(), tt.wantDigest)
			}
			if ref.String() != tt.wantString {
				t.Errorf("String() = %q, want %q", ref.String(), tt.wantString)
			}
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "Upper", "nginx:bad tag", "nginx@sha256:zz"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}

func TestTagRefIgnoresDigest(t *testing.T) {
	ref := MustParse("nginx:1.27@" + digestA.String())
	if got, want := ref.TagRef(), "docker.io/library/nginx:1.27"; got != want {
		t.Fatalf("TagRef() = %q, want %q", got, want)
	}
	if MustParse("nginx@"+digestA.String()).TagRef() != "" {
		t.Fatal("digest-only reference must have empty TagRef")
	}
}

func TestWithDigest(t *testing.T) {
	ref := MustParse("nginx:1.27@" + digestA.String())
	next := ref.WithDigest(digestB)
	if next.Digest() != digestB {
		t.Fatalf("WithDigest digest = %q, want %q", next.Digest(), digestB)
	}
	if ref.Digest() != digestA {
		t.Fatal("WithDigest mutated the receiver")
	}
	if got, want := next.Familiar(), "nginx:1.27@"+digestB.String(); got != want {
		t.Fatalf("Familiar() = %q, want %q", got, want)
	}
	if next.WithoutDigest().String() != "docker.io/library/nginx:1.27" {
		t.Fatalf("WithoutDigest() = %q", next.WithoutDigest().String())
	}
}
