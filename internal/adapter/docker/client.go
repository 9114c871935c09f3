// Package docker adapts the Docker Engine API to the reconciler: swarm
// services are listed and updated through the manager's API, and tags are
// resolved with the engine's distribution endpoint.
package docker

import (
	"fmt"
	"net/http"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
)

// ClientOptions select the engine endpoint. Zero values fall back to the
// DOCKER_* environment.
type ClientOptions struct {
	Host       string
	APIVersion string
	TLSCACert  string
	TLSCert    string
	TLSKey     string
	TLSVerify  bool
}

func (o ClientOptions) usesTLS() bool {
	return o.TLSCACert != "" || o.TLSCert != "" || o.TLSKey != ""
}

// NewClient builds an engine client.
func NewClient(opts ClientOptions) (*client.Client, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.usesTLS() {
		tlsc, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             opts.TLSCACert,
			CertFile:           opts.TLSCert,
			KeyFile:            opts.TLSKey,
			InsecureSkipVerify: !opts.TLSVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("docker tls config: %w", err)
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsc},
		}))
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}
