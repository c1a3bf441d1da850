// Package docker provides the container runtime client used by the engine.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// sidecarHosts are tried in order when DOCKER_HOST is not set. The engine is
// normally deployed next to a docker-in-docker sidecar; the bridge gateway and
// localhost cover native installs.
var sidecarHosts = []string{
	"tcp://docker-daemon:2376",
	"tcp://localhost:2376",
}

// Connect establishes a connection to the container runtime.
// Resolution order: explicit host, known sidecar endpoints, environment default.
func Connect(ctx context.Context, host string, log zerolog.Logger) (*client.Client, error) {
	log = log.With().Str("component", "docker").Logger()

	if host != "" {
		cli, err := dial(ctx, client.WithHost(host))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to container runtime at %s: %w", host, err)
		}
		log.Info().Str("host", host).Msg("Connected to container runtime")
		return cli, nil
	}

	for _, candidate := range sidecarHosts {
		cli, err := dial(ctx, client.WithHost(candidate))
		if err != nil {
			log.Debug().Err(err).Str("host", candidate).Msg("Container runtime candidate unreachable")
			continue
		}
		log.Info().Str("host", candidate).Msg("Connected to container runtime sidecar")
		return cli, nil
	}

	cli, err := dial(ctx, client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("could not connect to container runtime via any known endpoint: %w", err)
	}
	log.Info().Msg("Connected to container runtime via environment defaults")
	return cli, nil
}

func dial(ctx context.Context, opt client.Opt) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(opt, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}
