// Package engine drives the deployment state machine: given a pending
// deployment row, it resolves the challenge's spec and host keychain,
// provisions (or tears down) the network, containers, and proxy routes,
// and reconciles the outcome back into the deployment store. Every remote
// mutation is tracked by a scoped guard so a failure anywhere unwinds
// everything already done.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/wisbric/chalorch/internal/telemetry"
	"github.com/wisbric/chalorch/pkg/addressing"
	"github.com/wisbric/chalorch/pkg/catalog"
	"github.com/wisbric/chalorch/pkg/deployment"
	"github.com/wisbric/chalorch/pkg/guard"
	"github.com/wisbric/chalorch/pkg/hostclient"
	"github.com/wisbric/chalorch/pkg/keychain"
)

// DaemonClient is the subset of hostclient.DockerClient the engine drives
// during a deploy or teardown. Defined here (rather than depended on
// concretely) so tests can substitute a fake without a live daemon.
type DaemonClient interface {
	guard.DaemonResourceRemover
	EnsureNetwork(ctx context.Context, name string) (created bool, err error)
	PullImage(ctx context.Context, ref, authHeader string) error
	CreateContainer(ctx context.Context, cfg hostclient.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, name string) error
	InspectNetworkIP(ctx context.Context, name, networkName string) (string, error)
	InspectHostPort(ctx context.Context, name string, containerPort uint16) (uint16, error)
	Close() error
}

// ProxyClient is the subset of hostclient.ProxyClient the engine drives.
type ProxyClient interface {
	guard.ProxyRouteRemover
	AddRoute(ctx context.Context, host, upstream string) error
}

// Scheduler receives rows that reached deployed=true with a lease, so their
// eventual expiry can be scheduled. Satisfied by pkg/reaper.Reaper; nil is
// valid and simply means no lease is scheduled (e.g. in tests).
type Scheduler interface {
	Schedule(rowID int64, at time.Time)
}

// ErrSpecMissing indicates the deployment's challenge no longer has a
// catalog entry, so its resources cannot be located for teardown or reuse.
var ErrSpecMissing = fmt.Errorf("challenge spec not found in catalog")

// Engine wires the catalog, host keychains, and deployment store together
// to actually apply or reverse a deployment against remote hosts.
type Engine struct {
	catalog   *catalog.Cache
	keychains *keychain.Registry
	store     *deployment.Store
	scheduler Scheduler
	logger    *slog.Logger

	defaultLifetime time.Duration

	dialDaemon func(keychain.DockerConn) (DaemonClient, error)
	dialProxy  func(keychain.ProxyKeychain) (ProxyClient, error)
}

// New constructs an Engine. scheduler may be nil.
func New(cat *catalog.Cache, keychains *keychain.Registry, store *deployment.Store, scheduler Scheduler, defaultLifetime time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		catalog:         cat,
		keychains:       keychains,
		store:           store,
		scheduler:       scheduler,
		logger:          logger,
		defaultLifetime: defaultLifetime,
		dialDaemon: func(conn keychain.DockerConn) (DaemonClient, error) {
			return hostclient.NewDockerClient(conn)
		},
		dialProxy: func(kc keychain.ProxyKeychain) (ProxyClient, error) {
			return hostclient.NewProxyClient(kc)
		},
	}
}

func networkNameFor(spec *catalog.ChallengeSpec, teamID *int64) string {
	if spec.Strategy == catalog.StrategyStatic || teamID == nil {
		return fmt.Sprintf("%s-network", spec.Slug)
	}
	return fmt.Sprintf("%s-team-%d-network", spec.Slug, *teamID)
}

func containerNameFor(spec *catalog.ChallengeSpec, teamID *int64, containerName string) string {
	if spec.Strategy == catalog.StrategyStatic || teamID == nil {
		return fmt.Sprintf("%s-container-%s", spec.Slug, containerName)
	}
	return fmt.Sprintf("%s-team-%d-container-%s", spec.Slug, *teamID, containerName)
}

// teamPublicID is the identifier the address computer mixes into HTTP
// subdomains. Team identity and its public-facing token are owned by an
// external collaborator this core does not integrate with directly, so the
// numeric id's decimal form stands in for it: stable per team, empty for
// Static challenges, exactly as the subdomain formula expects.
func teamPublicID(teamID *int64) string {
	if teamID == nil {
		return ""
	}
	return strconv.FormatInt(*teamID, 10)
}

// registryAuthHeader builds the base64-encoded JSON auth header the docker
// daemon API expects for an authenticated pull. Empty if creds is nil.
func registryAuthHeader(creds *keychain.DockerCredentials) (string, error) {
	if creds == nil {
		return "", nil
	}
	raw, err := json.Marshal(struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		ServerAddress string `json:"serveraddress"`
	}{creds.Username, creds.Password, creds.ServerAddress})
	if err != nil {
		return "", fmt.Errorf("encoding registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func sortedContainerNames(containers map[string]catalog.ContainerSpec) []string {
	names := make([]string, 0, len(containers))
	for name := range containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedPorts(exposures map[uint16]catalog.ExposureKind) []uint16 {
	ports := make([]uint16, 0, len(exposures))
	for port := range exposures {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Deploy applies a claimed, still-pending row: it resolves the spec,
// stands up a network, containers, and proxy routes, finalizes the row on
// success, and schedules lease expiry for Instanced challenges. On any
// failure it abandons both guards (best-effort remote cleanup) and drops
// the pending row so the (challenge, team) slot can be retried.
func (e *Engine) Deploy(ctx context.Context, row deployment.Row, requestLifetimeSec *uint64) error {
	snap := e.catalog.Snapshot()
	spec, ok := snap.ByNumericID(row.ChallengeNumericID)
	if !ok || len(spec.Containers) == 0 {
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues("unknown", "failed").Inc()
		return fmt.Errorf("resolving spec for challenge %d: %w", row.ChallengeNumericID, ErrSpecMissing)
	}

	kcEntry, err := e.keychains.Get(spec.HostIDOrDefault())
	if err != nil {
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "failed").Inc()
		return fmt.Errorf("resolving host keychain: %w", err)
	}

	docker, err := e.dialDaemon(kcEntry.Docker)
	if err != nil {
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "failed").Inc()
		return fmt.Errorf("dialing container daemon: %w", err)
	}
	defer docker.Close()

	proxy, err := e.dialProxy(kcEntry.Proxy)
	if err != nil {
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "failed").Inc()
		return fmt.Errorf("dialing proxy: %w", err)
	}

	daemonGuard := guard.NewDaemonGuard(docker, e.logger)
	proxyGuard := guard.NewProxyGuard(proxy, e.logger)

	data, err := e.apply(ctx, spec, &row, kcEntry, docker, proxy, daemonGuard, proxyGuard)
	if err != nil {
		daemonGuard.Abandon(ctx)
		proxyGuard.Abandon(ctx)
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "failed").Inc()
		return err
	}

	expiredAt := e.leaseExpiry(spec, requestLifetimeSec)
	if err := e.store.Finalize(ctx, row.ID, data, expiredAt); err != nil {
		daemonGuard.Abandon(ctx)
		proxyGuard.Abandon(ctx)
		e.dropPending(ctx, row.ID)
		telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "failed").Inc()
		return fmt.Errorf("finalizing deployment: %w", err)
	}

	daemonGuard.Commit()
	proxyGuard.Commit()
	telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "deployed").Inc()

	if expiredAt != nil && e.scheduler != nil {
		e.scheduler.Schedule(row.ID, *expiredAt)
		telemetry.ReaperScheduledTotal.WithLabelValues("live").Inc()
	}
	return nil
}

// leaseExpiry computes the Instanced lease deadline, or nil for Static.
func (e *Engine) leaseExpiry(spec *catalog.ChallengeSpec, requestLifetimeSec *uint64) *time.Time {
	if spec.Strategy != catalog.StrategyInstanced {
		return nil
	}
	lifetime := e.defaultLifetime
	if requestLifetimeSec != nil {
		lifetime = time.Duration(*requestLifetimeSec) * time.Second
	}
	if spec.InstanceLifetimeSec != nil {
		lifetime = time.Duration(*spec.InstanceLifetimeSec) * time.Second
	}
	at := time.Now().Add(lifetime)
	return &at
}

// apply runs steps 3-5 of the deploy algorithm: network, image pulls,
// container creation/start, and proxy route registration. It returns the
// data payload to be finalized, or the first error encountered.
func (e *Engine) apply(
	ctx context.Context,
	spec *catalog.ChallengeSpec,
	row *deployment.Row,
	kcEntry keychain.Entry,
	docker DaemonClient,
	proxy ProxyClient,
	daemonGuard *guard.DaemonGuard,
	proxyGuard *guard.ProxyGuard,
) (deployment.Data, error) {
	networkName := networkNameFor(spec, row.TeamID)
	created, err := docker.EnsureNetwork(ctx, networkName)
	if err != nil {
		return nil, fmt.Errorf("ensuring network %s: %w", networkName, err)
	}
	if created {
		daemonGuard.Network(networkName)
	}

	authHeader, err := registryAuthHeader(kcEntry.DockerCredentials)
	if err != nil {
		return nil, err
	}
	if kcEntry.DockerCredentials != nil {
		for _, ct := range sortedContainerNames(spec.Containers) {
			cs := spec.Containers[ct]
			ref := cs.ImageRef(kcEntry.Repo, kcEntry.ImagePrefix, spec.Slug, ct)
			if err := docker.PullImage(ctx, ref, authHeader); err != nil {
				return nil, fmt.Errorf("pulling image for container %s: %w", ct, err)
			}
		}
	}

	team := teamPublicID(row.TeamID)
	data := make(deployment.Data, len(spec.Containers))

	for _, ct := range sortedContainerNames(spec.Containers) {
		cs := spec.Containers[ct]
		containerName := containerNameFor(spec, row.TeamID, ct)
		imageRef := cs.ImageRef(kcEntry.Repo, kcEntry.ImagePrefix, spec.Slug, ct)
		limits := cs.ResourceLimits()

		tcpBindings := make(map[uint16]uint16)
		httpPorts := make([]uint16, 0)
		for _, port := range sortedPorts(cs.Exposures) {
			switch cs.Exposures[port] {
			case catalog.ExposureTCP:
				if spec.Strategy == catalog.StrategyStatic {
					tcpBindings[port] = addressing.StaticTCPPort(spec.Slug, ct, port, spec.BumpSeed)
				} else {
					tcpBindings[port] = 0 // daemon-assigned; read back after start
				}
			case catalog.ExposureHTTP:
				httpPorts = append(httpPorts, port)
			}
		}

		if err := docker.RemoveContainerIfExists(ctx, containerName); err != nil {
			return nil, fmt.Errorf("clearing stale container %s: %w", containerName, err)
		}

		containerID, err := docker.CreateContainer(ctx, hostclient.ContainerConfig{
			Name:            containerName,
			Image:           imageRef,
			Env:             cs.Env,
			NetworkName:     networkName,
			NetworkAlias:    containerName,
			TCPPortBindings: tcpBindings,
			CPUNanos:        limits.CPUNanos,
			MemBytes:        limits.MemBytes,
			CapAdd:          cs.CapAdd,
			Privileged:      cs.Privileged,
		})
		if err != nil {
			return nil, fmt.Errorf("creating container %s: %w", containerName, err)
		}
		daemonGuard.Container(containerName)

		if err := docker.StartContainer(ctx, containerName); err != nil {
			return nil, fmt.Errorf("starting container %s: %w", containerName, err)
		}

		var containerIP string
		if len(httpPorts) > 0 {
			containerIP, err = docker.InspectNetworkIP(ctx, containerName, networkName)
			if err != nil {
				return nil, fmt.Errorf("inspecting network address of %s: %w", containerName, err)
			}
		}

		ports := make(map[string]deployment.HostMapping, len(cs.Exposures))
		for port, hostPort := range tcpBindings {
			if spec.Strategy != catalog.StrategyStatic {
				hostPort, err = docker.InspectHostPort(ctx, containerName, port)
				if err != nil {
					return nil, fmt.Errorf("reading assigned host port for %s/%d: %w", containerName, port, err)
				}
			}
			ports[strconv.Itoa(int(port))] = deployment.HostMapping{
				Kind:     deployment.ExposureTCP,
				HostPort: hostPort,
				Base:     kcEntry.Proxy.Base,
			}
		}

		for _, port := range httpPorts {
			subdomain := addressing.HTTPSubdomain(spec.Slug, team, port)
			host := subdomain + "." + kcEntry.Proxy.Base
			if err := proxy.DeleteRoute(ctx, host); err != nil {
				return nil, fmt.Errorf("clearing stale proxy route %s: %w", host, err)
			}
			upstream := fmt.Sprintf("%s:%d", containerIP, port)
			if err := proxy.AddRoute(ctx, host, upstream); err != nil {
				return nil, fmt.Errorf("registering proxy route %s: %w", host, err)
			}
			proxyGuard.Route(host)
			ports[strconv.Itoa(int(port))] = deployment.HostMapping{
				Kind:      deployment.ExposureHTTP,
				Subdomain: subdomain,
				Base:      kcEntry.Proxy.Base,
			}
		}

		data[ct] = deployment.ContainerResult{ContainerID: containerID, Ports: ports}
	}

	return data, nil
}

func (e *Engine) dropPending(ctx context.Context, rowID int64) {
	if err := e.store.DropPending(ctx, rowID); err != nil && e.logger != nil {
		e.logger.Error("dropping pending deployment after failed apply", "row_id", rowID, "error", err)
	}
}

// Teardown reverses a deployed row: the row is marked destroyed first (the
// slot is freed even if remote cleanup below only partially succeeds), then
// every recorded proxy route and container is removed, then the network.
func (e *Engine) Teardown(ctx context.Context, rowID int64) error {
	row, err := e.store.PrepareTeardown(ctx, rowID)
	if err != nil {
		switch {
		case errors.Is(err, deployment.ErrAlreadyDestroyed):
			telemetry.TeardownsTotal.WithLabelValues("already_destroyed").Inc()
		case errors.Is(err, deployment.ErrNotYetDeployed):
			telemetry.TeardownsTotal.WithLabelValues("not_yet_deployed").Inc()
		}
		return err
	}

	snap := e.catalog.Snapshot()
	spec, ok := snap.ByNumericID(row.ChallengeNumericID)
	if !ok {
		return fmt.Errorf("resolving spec for challenge %d: %w", row.ChallengeNumericID, ErrSpecMissing)
	}

	kcEntry, err := e.keychains.Get(spec.HostIDOrDefault())
	if err != nil {
		return fmt.Errorf("resolving host keychain: %w", err)
	}

	docker, err := e.dialDaemon(kcEntry.Docker)
	if err != nil {
		return fmt.Errorf("dialing container daemon: %w", err)
	}
	defer docker.Close()

	proxy, err := e.dialProxy(kcEntry.Proxy)
	if err != nil {
		return fmt.Errorf("dialing proxy: %w", err)
	}

	recorded := make([]string, 0, len(row.Data))
	for ct := range row.Data {
		recorded = append(recorded, ct)
	}
	sort.Strings(recorded)

	for _, ct := range recorded {
		result := row.Data[ct]
		for _, mapping := range result.Ports {
			if mapping.Kind != deployment.ExposureHTTP {
				continue
			}
			host := mapping.Subdomain + "." + mapping.Base
			if err := proxy.DeleteRoute(ctx, host); err != nil && e.logger != nil {
				e.logger.Error("teardown: removing proxy route failed", "host", host, "error", err)
			}
		}
		if err := docker.RemoveContainerIfExists(ctx, result.ContainerID); err != nil && e.logger != nil {
			e.logger.Error("teardown: removing container failed", "container_id", result.ContainerID, "error", err)
		}
	}

	networkName := networkNameFor(spec, row.TeamID)
	if err := docker.RemoveNetwork(ctx, networkName); err != nil && e.logger != nil {
		e.logger.Error("teardown: removing network failed", "network", networkName, "error", err)
	}

	telemetry.TeardownsTotal.WithLabelValues("destroyed").Inc()
	return nil
}
