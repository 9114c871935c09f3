package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// ErrNotManager is returned when the engine cannot serve swarm service
// calls because it is not a swarm manager.
var ErrNotManager = errors.New("docker engine is not a swarm manager")

// WaitReady blocks until the engine answers a ping, retrying connection
// failures every second. Any other error is returned immediately.
func WaitReady(ctx context.Context, cli client.APIClient) error {
	log := slog.With("component", "docker")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Info("engine reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker engine: %w", err)
		}
		if !waiting {
			waiting = true
			log.Info("waiting for docker engine", "host", cli.DaemonHost())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SwarmStatus describes the engine's swarm membership.
type SwarmStatus struct {
	NodeID    string
	State     swarm.LocalNodeState
	IsManager bool
	Managers  int
	Nodes     int
	ServerVer string
}

// InspectSwarm reports whether the engine can manage services.
func InspectSwarm(ctx context.Context, cli client.APIClient) (SwarmStatus, error) {
	info, err := cli.Info(ctx)
	if err != nil {
		return SwarmStatus{}, fmt.Errorf("docker info: %w", err)
	}
	return SwarmStatus{
		NodeID:    info.Swarm.NodeID,
		State:     info.Swarm.LocalNodeState,
		IsManager: info.Swarm.ControlAvailable,
		Managers:  info.Swarm.Managers,
		Nodes:     info.Swarm.Nodes,
		ServerVer: info.ServerVersion,
	}, nil
}

// RequireManager fails unless the engine is an active swarm manager.
func RequireManager(ctx context.Context, cli client.APIClient) error {
	st, err := InspectSwarm(ctx, cli)
	if err != nil {
		return err
	}
	if st.State != swarm.LocalNodeStateActive || !st.IsManager {
		return fmt.Errorf("%w (swarm state %q)", ErrNotManager, st.State)
	}
	return nil
}
