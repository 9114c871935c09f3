// Package image models the image references carried by swarm service specs.
package image

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// DefaultTag is assumed when a reference carries neither a tag nor a digest.
const DefaultTag = "latest"

// Reference is a normalized image reference: registry domain, repository
// path, tag and an optional content digest. The zero value is invalid.
type Reference struct {
	domain string
	path   string
	tag    string
	digest digest.Digest
}

// Parse normalizes s ("nginx", "ghcr.io/org/app:1.2", "app:v1@sha256:...")
// into a Reference. A bare name gets the "latest" tag; a digest-only
// reference keeps an empty tag.
func Parse(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("parse image reference: empty reference")
	}
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}
	named = reference.TagNameOnly(named)

	ref := Reference{
		domain: reference.Domain(named),
		path:   reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.digest = digested.Digest()
	}
	return ref, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Reference {
	ref, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r Reference) Domain() string        { return r.domain }
func (r Reference) Path() string          { return r.path }
func (r Reference) Tag() string           { return r.tag }
func (r Reference) Digest() digest.Digest { return r.digest }
func (r Reference) IsZero() bool          { return r.domain == "" && r.path == "" }

// HasTag reports whether the reference tracks a tag. Digest-only references
// do not, so there is nothing in the registry to compare them against.
func (r Reference) HasTag() bool { return r.tag != "" }

// Name returns "domain/path" without tag or digest.
func (r Reference) Name() string {
	return r.domain + "/" + r.path
}

// TagRef returns the fully-qualified "domain/path:tag" the registry is asked
// about. It is empty for digest-only references.
func (r Reference) TagRef() string {
	if r.tag == "" {
		return ""
	}
	return r.Name() + ":" + r.tag
}

// String returns the fully-qualified reference including the digest, if any.
func (r Reference) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name())
	if r.tag != "" {
		sb.WriteString(":" + r.tag)
	}
	if r.digest != "" {
		sb.WriteString("@" + r.digest.String())
	}
	return sb.String()
}

// Familiar returns the short form docker prints ("nginx:latest" rather than
// "docker.io/library/nginx:latest").
func (r Reference) Familiar() string {
	named, err := reference.ParseNormalizedNamed(r.String())
	if err != nil {
		return r.String()
	}
	return reference.FamiliarString(named)
}

// WithDigest returns a copy of r pinned to d, keeping the tag so the service
// spec stays readable.
func (r Reference) WithDigest(d digest.Digest) Reference {
	r.digest = d
	return r
}

// WithoutDigest strips the digest.
func (r Reference) WithoutDigest() Reference {
	r.digest = ""
	return r
}
