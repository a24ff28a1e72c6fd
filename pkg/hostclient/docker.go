// Package hostclient wraps the two remote collaborators a deployment
// touches: the container daemon and the reverse-proxy control plane.
// Credentials are consumed directly from decoded PEM bytes — nothing is
// ever written to the host filesystem.
package hostclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/wisbric/chalorch/pkg/keychain"
)

// DockerClient wraps a container-daemon connection for one host.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects to the daemon described by conn. Local uses the
// daemon named by the DOCKER_* environment variables, or the platform
// default socket when they are unset; Ssl builds a TLS config directly from the
// decoded PEM bytes and never touches disk.
func NewDockerClient(conn keychain.DockerConn) (*DockerClient, error) {
	switch conn.Type {
	case keychain.DockerConnLocal:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("connecting to local docker daemon: %w", err)
		}
		return &DockerClient{cli: cli}, nil

	case keychain.DockerConnSSL:
		tlsCfg, err := buildTLSConfig(conn)
		if err != nil {
			return nil, fmt.Errorf("building docker tls config: %w", err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
		cli, err := client.NewClientWithOpts(
			client.WithHost(conn.Address),
			client.WithHTTPClient(httpClient),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", conn.Address, err)
		}
		return &DockerClient{cli: cli}, nil

	default:
		return nil, fmt.Errorf("unknown docker connection type %q", conn.Type)
	}
}

// buildTLSConfig constructs a tls.Config from PEM bytes already in memory.
func buildTLSConfig(conn keychain.DockerConn) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(conn.Cert), []byte(conn.Key))
	if err != nil {
		return nil, fmt.Errorf("parsing client cert/key: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(conn.CA)) {
		return nil, fmt.Errorf("parsing CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Close releases the underlying connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// EnsureNetwork creates the named network if it does not already exist,
// reusing a prior one left behind by a failed attempt. It reports whether
// the network was newly created, so the caller can register it with a
// Daemon Guard.
func (d *DockerClient) EnsureNetwork(ctx context.Context, name string) (created bool, err error) {
	if _, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{Verbose: true}); err == nil {
		return false, nil
	}

	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		return false, fmt.Errorf("creating network %s: %w", name, err)
	}
	return true, nil
}

// RemoveNetwork removes the named network, ignoring not-found errors.
func (d *DockerClient) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing network %s: %w", name, err)
	}
	return nil
}

// PullImage pulls ref using the given registry credentials (may be empty).
func (d *DockerClient) PullImage(ctx context.Context, ref string, authHeader string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: authHeader})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	// Drain the pull progress stream; its JSON output is not surfaced.
	buf := make([]byte, 32*1024)
	for {
		if _, err := rc.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// RemoveContainerIfExists force-removes a container with the given name,
// including its volumes. A not-found error is not propagated: this call is
// used purely for idempotency across restarts.
func (d *DockerClient) RemoveContainerIfExists(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing stale container %s: %w", name, err)
	}
	return nil
}

// ContainerConfig describes a container to create.
type ContainerConfig struct {
	Name            string
	Image           string
	Env             map[string]string
	NetworkName     string
	NetworkAlias    string
	TCPPortBindings map[uint16]uint16 // container port -> requested host port (0 = daemon-assigned)
	CPUNanos        int64
	MemBytes        int64
	CapAdd          []string
	Privileged      bool
}

// CreateContainer creates (but does not start) a container per cfg,
// returning the daemon-assigned container id.
func (d *DockerClient) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	exposedPorts := make(nat.PortSet, len(cfg.TCPPortBindings))
	portBindings := make(nat.PortMap, len(cfg.TCPPortBindings))
	for containerPort, hostPort := range cfg.TCPPortBindings {
		p, err := nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
		if err != nil {
			return "", fmt.Errorf("building port spec for %d/tcp: %w", containerPort, err)
		}
		exposedPorts[p] = struct{}{}
		binding := nat.PortBinding{HostIP: "0.0.0.0"}
		if hostPort != 0 {
			binding.HostPort = fmt.Sprintf("%d", hostPort)
		}
		portBindings[p] = []nat.PortBinding{binding}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Env:          env,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Resources: container.Resources{
				NanoCPUs: cfg.CPUNanos,
				Memory:   cfg.MemBytes,
			},
			CapAdd:     cfg.CapAdd,
			Privileged: cfg.Privileged,
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.NetworkName: {Aliases: []string{cfg.NetworkAlias}},
			},
		},
		nil,
		cfg.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (d *DockerClient) StartContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

// InspectNetworkIP returns the container's IP address on networkName.
func (d *DockerClient) InspectNetworkIP(ctx context.Context, name, networkName string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w", name, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", name)
	}

	if net, ok := info.NetworkSettings.Networks[networkName]; ok && net.IPAddress != "" {
		return net.IPAddress, nil
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no assigned network address", name)
}

// InspectHostPort reads back the daemon-assigned host port bound to
// containerPort/tcp. Used for Instanced deployments, where the container is
// created with host port 0 (daemon-assigned) to avoid the bind-time race
// inherent in probing a free port ahead of container start.
func (d *DockerClient) InspectHostPort(ctx context.Context, name string, containerPort uint16) (uint16, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("inspecting container %s: %w", name, err)
	}
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", name)
	}

	p, err := nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
	if err != nil {
		return 0, fmt.Errorf("building port spec: %w", err)
	}

	bindings, ok := info.NetworkSettings.Ports[p]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("container %s has no host binding for %d/tcp", name, containerPort)
	}

	var port uint16
	if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &port); err != nil {
		return 0, fmt.Errorf("parsing host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}
