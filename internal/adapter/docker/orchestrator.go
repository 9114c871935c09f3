package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

var _ reconcile.Orchestrator = (*Orchestrator)(nil)

// Orchestrator drives swarm services through a manager's Engine API.
type Orchestrator struct {
	cli         client.APIClient
	filters     filters.Args
	credentials reconcile.CredentialSource
}

// NewOrchestrator wraps cli. filterSpecs are engine-side list filters in
// key=value form ("label=com.example.team=web", "name=api"); creds, when
// non-nil, supplies the registry auth sent with updates so workers can
// pull private images.
func NewOrchestrator(cli client.APIClient, filterSpecs []string, creds reconcile.CredentialSource) (*Orchestrator, error) {
	args, err := ParseFilters(filterSpecs)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cli: cli, filters: args, credentials: creds}, nil
}

// ParseFilters turns key=value strings into engine list filters.
func ParseFilters(specs []string) (filters.Args, error) {
	args := filters.NewArgs()
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		key, value, ok := strings.Cut(spec, "=")
		if !ok || key == "" || value == "" {
			return filters.Args{}, fmt.Errorf("service filter %q: want key=value", spec)
		}
		args.Add(key, value)
	}
	return args, nil
}

func (o *Orchestrator) ListServices(ctx context.Context) ([]reconcile.ServiceRecord, error) {
	services, err := o.cli.ServiceList(ctx, types.ServiceListOptions{Filters: o.filters})
	if err != nil {
		return nil, fmt.Errorf("list swarm services: %w", err)
	}

	out := make([]reconcile.ServiceRecord, 0, len(services))
	for _, svc := range services {
		cs := svc.Spec.TaskTemplate.ContainerSpec
		if cs == nil || cs.Image == "" {
			// Plugin and network-attachment services run no image.
			continue
		}
		out = append(out, reconcile.ServiceRecord{
			ID:     svc.ID,
			Name:   svc.Spec.Name,
			Image:  cs.Image,
			Labels: svc.Spec.Labels,
		})
	}
	return out, nil
}

// UpdateService points the service at ref and forces a rolling update.
// The call returns once the manager has accepted the new spec.
func (o *Orchestrator) UpdateService(ctx context.Context, id string, ref image.Reference) (reconcile.UpdateAck, error) {
	svc, _, err := o.cli.ServiceInspectWithRaw(ctx, id, types.ServiceInspectOptions{})
	if err != nil {
		if rejected(err) {
			return reconcile.UpdateAck{Reason: err.Error()}, nil
		}
		return reconcile.UpdateAck{}, fmt.Errorf("inspect service %s: %w", id, err)
	}
	spec := svc.Spec
	if spec.TaskTemplate.ContainerSpec == nil {
		return reconcile.UpdateAck{Reason: "service has no container spec"}, nil
	}
	spec.TaskTemplate.ContainerSpec.Image = ref.String()
	spec.TaskTemplate.ForceUpdate++

	opts := types.ServiceUpdateOptions{}
	if o.credentials != nil {
		auth, err := o.encodedAuth(ctx, ref.Domain())
		if err != nil {
			return reconcile.UpdateAck{}, err
		}
		opts.EncodedRegistryAuth = auth
	}

	resp, err := o.cli.ServiceUpdate(ctx, svc.ID, svc.Version, spec, opts)
	if err != nil {
		if rejected(err) {
			return reconcile.UpdateAck{Reason: err.Error()}, nil
		}
		return reconcile.UpdateAck{}, fmt.Errorf("update service %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Debug("service update warning", "component", "docker", "service", spec.Name, "warning", w)
	}
	return reconcile.UpdateAck{Accepted: true, Warnings: resp.Warnings}, nil
}

func (o *Orchestrator) encodedAuth(ctx context.Context, host string) (string, error) {
	creds, err := o.credentials.Credentials(ctx, host)
	if err != nil {
		return "", fmt.Errorf("registry credentials for %s: %w", host, err)
	}
	return EncodeAuth(creds)
}

// EncodeAuth renders credentials as the X-Registry-Auth header value. Zero
// credentials encode to the empty string.
func EncodeAuth(creds reconcile.Credentials) (string, error) {
	if creds.IsZero() {
		return "", nil
	}
	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
		IdentityToken: creds.IdentityToken,
		RegistryToken: creds.RegistryToken,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return encoded, nil
}

// rejected reports whether the manager refused the request itself, as
// opposed to the request not reaching it.
func rejected(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) ||
		errdefs.IsConflict(err) || errdefs.IsFailedPrecondition(err) ||
		errdefs.IsPermissionDenied(err)
}
