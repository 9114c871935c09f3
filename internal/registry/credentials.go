package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cliconfig "github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"

	"keelhaul/internal/reconcile"
)

// Docker Hub credentials are stored under the legacy index address.
const dockerHubAuthKey = "https://index.docker.io/v1/"

var (
	_ reconcile.CredentialSource = (*DockerConfigCredentials)(nil)
	_ reconcile.CredentialSource = StaticCredentials{}
	_ reconcile.CredentialSource = Anonymous{}
)

// DockerConfigCredentials reads registry logins from a docker CLI config
// directory, including any configured credential helpers.
type DockerConfigCredentials struct {
	dir string

	mu   sync.Mutex
	file *configfile.ConfigFile
}

// NewDockerConfigCredentials loads dir/config.json. An empty dir means the
// docker CLI default (~/.docker or $DOCKER_CONFIG).
func NewDockerConfigCredentials(dir string) (*DockerConfigCredentials, error) {
	c := &DockerConfigCredentials{dir: dir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the config file, picking up `docker login` changes.
func (c *DockerConfigCredentials) Reload() error {
	file, err := cliconfig.Load(c.dir)
	if err != nil {
		return fmt.Errorf("load docker config from %q: %w", c.dir, err)
	}
	c.mu.Lock()
	c.file = file
	c.mu.Unlock()
	return nil
}

func (c *DockerConfigCredentials) Credentials(_ context.Context, host string) (reconcile.Credentials, error) {
	c.mu.Lock()
	file := c.file
	c.mu.Unlock()

	key := AuthKey(host)
	auth, err := file.GetAuthConfig(key)
	if err != nil {
		return reconcile.Credentials{}, fmt.Errorf("credentials for %s: %w", host, err)
	}
	return reconcile.Credentials{
		ServerAddress: key,
		Username:      auth.Username,
		Password:      auth.Password,
		IdentityToken: auth.IdentityToken,
		RegistryToken: auth.RegistryToken,
	}, nil
}

// AuthKey maps a registry host to the key docker stores its login under.
func AuthKey(host string) string {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "docker.io", "index.docker.io", "registry-1.docker.io", "":
		return dockerHubAuthKey
	default:
		return host
	}
}

// StaticCredentials uses one login. With Host set it only applies to that
// registry; other hosts are anonymous.
type StaticCredentials struct {
	Host     string
	Username string
	Password string
}

func (s StaticCredentials) Credentials(_ context.Context, host string) (reconcile.Credentials, error) {
	if s.Host != "" && AuthKey(s.Host) != AuthKey(host) {
		return reconcile.Credentials{}, nil
	}
	return reconcile.Credentials{ServerAddress: AuthKey(host), Username: s.Username, Password: s.Password}, nil
}

// Anonymous never authenticates.
type Anonymous struct{}

func (Anonymous) Credentials(context.Context, string) (reconcile.Credentials, error) {
	return reconcile.Credentials{}, nil
}
