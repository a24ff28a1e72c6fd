// Package guard tracks remote resources (containers, networks, proxy
// routes) created during a single deployment attempt. Each guard is either
// committed on success or abandoned on any early exit, in which case it
// best-effort destroys everything it recorded, in reverse creation order.
// The DB row being deleted or marked destroyed is the authoritative
// abandonment signal; cleanup failures here are logged and swallowed.
package guard

import (
	"context"
	"log/slog"

	"github.com/wisbric/chalorch/internal/telemetry"
)

// DaemonResourceRemover is the subset of *hostclient.DockerClient that a
// DaemonGuard needs to tear down abandoned resources.
type DaemonResourceRemover interface {
	RemoveContainerIfExists(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
}

// DaemonGuard records container and network names created during a deploy
// attempt against one container daemon.
type DaemonGuard struct {
	docker     DaemonResourceRemover
	containers []string
	networks   []string
	committed  bool
	logger     *slog.Logger
}

// NewDaemonGuard creates a guard scoped to a single daemon connection.
func NewDaemonGuard(docker DaemonResourceRemover, logger *slog.Logger) *DaemonGuard {
	return &DaemonGuard{docker: docker, logger: logger}
}

// Container registers a container name for cleanup on abandonment.
func (g *DaemonGuard) Container(name string) {
	g.containers = append(g.containers, name)
}

// Network registers a network name for cleanup on abandonment.
func (g *DaemonGuard) Network(name string) {
	g.networks = append(g.networks, name)
}

// Commit marks every tracked resource as owned by the (now successful)
// deployment; Abandon becomes a no-op afterward.
func (g *DaemonGuard) Commit() {
	g.committed = true
}

// Abandon destroys every tracked resource in reverse creation order,
// logging and swallowing any failure. It is a no-op after Commit.
func (g *DaemonGuard) Abandon(ctx context.Context) {
	if g.committed {
		return
	}

	for i := len(g.containers) - 1; i >= 0; i-- {
		name := g.containers[i]
		if err := g.docker.RemoveContainerIfExists(ctx, name); err != nil {
			g.log("container", name, err)
		}
	}

	for i := len(g.networks) - 1; i >= 0; i-- {
		name := g.networks[i]
		if err := g.docker.RemoveNetwork(ctx, name); err != nil {
			g.log("network", name, err)
		}
	}
}

func (g *DaemonGuard) log(kind, name string, err error) {
	telemetry.GuardCleanupFailuresTotal.WithLabelValues(kind).Inc()
	if g.logger != nil {
		g.logger.Error("guard cleanup failed", "kind", kind, "name", name, "error", err)
	}
}

// ProxyRouteRemover is the subset of *hostclient.ProxyClient that a
// ProxyGuard needs to tear down abandoned routes.
type ProxyRouteRemover interface {
	DeleteRoute(ctx context.Context, host string) error
}

// ProxyGuard records reverse-proxy hosts routed during a deploy attempt.
type ProxyGuard struct {
	proxy     ProxyRouteRemover
	routes    []string
	committed bool
	logger    *slog.Logger
}

// NewProxyGuard creates a guard scoped to a single proxy connection.
func NewProxyGuard(proxy ProxyRouteRemover, logger *slog.Logger) *ProxyGuard {
	return &ProxyGuard{proxy: proxy, logger: logger}
}

// Route registers a fully-qualified host for cleanup on abandonment.
func (g *ProxyGuard) Route(host string) {
	g.routes = append(g.routes, host)
}

// Commit marks every tracked route as owned by the (now successful)
// deployment; Abandon becomes a no-op afterward.
func (g *ProxyGuard) Commit() {
	g.committed = true
}

// Abandon deletes every tracked route in reverse creation order, logging
// and swallowing any failure. It is a no-op after Commit.
func (g *ProxyGuard) Abandon(ctx context.Context) {
	if g.committed {
		return
	}

	for i := len(g.routes) - 1; i >= 0; i-- {
		host := g.routes[i]
		if err := g.proxy.DeleteRoute(ctx, host); err != nil {
			telemetry.GuardCleanupFailuresTotal.WithLabelValues("route").Inc()
			if g.logger != nil {
				g.logger.Error("guard cleanup failed", "kind", "route", "name", host, "error", err)
			}
		}
	}
}
