package engine

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/chalorch/pkg/addressing"
	"github.com/wisbric/chalorch/pkg/catalog"
	"github.com/wisbric/chalorch/pkg/deployment"
	"github.com/wisbric/chalorch/pkg/guard"
	"github.com/wisbric/chalorch/pkg/hostclient"
	"github.com/wisbric/chalorch/pkg/keychain"
)

type fakeDaemon struct {
	networks        map[string]bool
	assignedPort    uint16
	createdNames    []string
	startedNames    []string
	removedNames    []string
	networkIP       string
	failCreate      bool
	failInspectPort bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{networks: map[string]bool{}, assignedPort: 41000, networkIP: "10.0.0.5"}
}

func (f *fakeDaemon) RemoveContainerIfExists(_ context.Context, name string) error {
	f.removedNames = append(f.removedNames, name)
	return nil
}

func (f *fakeDaemon) RemoveNetwork(_ context.Context, name string) error {
	delete(f.networks, name)
	return nil
}

func (f *fakeDaemon) EnsureNetwork(_ context.Context, name string) (bool, error) {
	if f.networks[name] {
		return false, nil
	}
	f.networks[name] = true
	return true, nil
}

func (f *fakeDaemon) PullImage(_ context.Context, _, _ string) error { return nil }

func (f *fakeDaemon) CreateContainer(_ context.Context, cfg hostclient.ContainerConfig) (string, error) {
	if f.failCreate {
		return "", errBoom
	}
	f.createdNames = append(f.createdNames, cfg.Name)
	return "docker-id-" + cfg.Name, nil
}

func (f *fakeDaemon) StartContainer(_ context.Context, name string) error {
	f.startedNames = append(f.startedNames, name)
	return nil
}

func (f *fakeDaemon) InspectNetworkIP(_ context.Context, _, _ string) (string, error) {
	return f.networkIP, nil
}

func (f *fakeDaemon) InspectHostPort(_ context.Context, _ string, _ uint16) (uint16, error) {
	if f.failInspectPort {
		return 0, errBoom
	}
	return f.assignedPort, nil
}

func (f *fakeDaemon) Close() error { return nil }

type fakeProxy struct {
	added   []string
	deleted []string
}

func (f *fakeProxy) AddRoute(_ context.Context, host, _ string) error {
	f.added = append(f.added, host)
	return nil
}

func (f *fakeProxy) DeleteRoute(_ context.Context, host string) error {
	f.deleted = append(f.deleted, host)
	return nil
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func staticSpec() *catalog.ChallengeSpec {
	return &catalog.ChallengeSpec{
		Slug:      "crackme",
		NumericID: 7,
		Strategy:  catalog.StrategyStatic,
		Containers: map[string]catalog.ContainerSpec{
			"default": {
				Exposures: map[uint16]catalog.ExposureKind{
					1337: catalog.ExposureTCP,
					8080: catalog.ExposureHTTP,
				},
			},
		},
	}
}

func instancedSpec() *catalog.ChallengeSpec {
	return &catalog.ChallengeSpec{
		Slug:      "pwnme",
		NumericID: 9,
		Strategy:  catalog.StrategyInstanced,
		Containers: map[string]catalog.ContainerSpec{
			"default": {
				Exposures: map[uint16]catalog.ExposureKind{
					1337: catalog.ExposureTCP,
				},
			},
		},
	}
}

func TestApply_StaticDeploy_ComputesDeterministicPort(t *testing.T) {
	spec := staticSpec()
	row := &deployment.Row{ID: 1, ChallengeNumericID: 7}
	docker := newFakeDaemon()
	proxy := &fakeProxy{}
	e := &Engine{logger: nil}
	kcEntry := keychain.Entry{Repo: "registry.example.com", Proxy: keychain.ProxyKeychain{Base: "ctf.example.com"}}

	data, err := e.apply(context.Background(), spec, row, kcEntry, docker, proxy, guard.NewDaemonGuard(docker, nil), guard.NewProxyGuard(proxy, nil))
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}

	result, ok := data["default"]
	if !ok {
		t.Fatal("expected data for container \"default\"")
	}
	tcpMapping, ok := result.Ports["1337"]
	if !ok {
		t.Fatal("expected a port mapping for 1337")
	}
	wantPort := addressing.StaticTCPPort(spec.Slug, "default", 1337, 0)
	if tcpMapping.HostPort != wantPort {
		t.Fatalf("HostPort = %d, want %d", tcpMapping.HostPort, wantPort)
	}

	httpMapping, ok := result.Ports["8080"]
	if !ok || httpMapping.Subdomain == "" {
		t.Fatalf("expected a subdomain mapping for 8080, got %+v", httpMapping)
	}
	if len(proxy.added) != 1 {
		t.Fatalf("expected exactly one proxy route added, got %v", proxy.added)
	}
	if len(docker.createdNames) != 1 || docker.createdNames[0] != "crackme-container-default" {
		t.Fatalf("createdNames = %v, want [crackme-container-default]", docker.createdNames)
	}
}

func TestApply_InstancedDeploy_ReadsBackAssignedPort(t *testing.T) {
	spec := instancedSpec()
	team := int64(3)
	row := &deployment.Row{ID: 1, ChallengeNumericID: 9, TeamID: &team}
	docker := newFakeDaemon()
	proxy := &fakeProxy{}
	e := &Engine{}
	kcEntry := keychain.Entry{Proxy: keychain.ProxyKeychain{Base: "ctf.example.com"}}

	data, err := e.apply(context.Background(), spec, row, kcEntry, docker, proxy, guard.NewDaemonGuard(docker, nil), guard.NewProxyGuard(proxy, nil))
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}

	mapping := data["default"].Ports["1337"]
	if mapping.HostPort != docker.assignedPort {
		t.Fatalf("HostPort = %d, want daemon-assigned %d", mapping.HostPort, docker.assignedPort)
	}
	wantName := "pwnme-team-3-container-default"
	if len(docker.createdNames) != 1 || docker.createdNames[0] != wantName {
		t.Fatalf("createdNames = %v, want [%s]", docker.createdNames, wantName)
	}
}

func TestApply_CreateFailure_ReturnsErrorWithoutPanicking(t *testing.T) {
	spec := staticSpec()
	row := &deployment.Row{ID: 1, ChallengeNumericID: 7}
	docker := newFakeDaemon()
	docker.failCreate = true
	proxy := &fakeProxy{}
	e := &Engine{}
	kcEntry := keychain.Entry{Proxy: keychain.ProxyKeychain{Base: "ctf.example.com"}}

	_, err := e.apply(context.Background(), spec, row, kcEntry, docker, proxy, guard.NewDaemonGuard(docker, nil), guard.NewProxyGuard(proxy, nil))
	if err == nil {
		t.Fatal("expected an error when container creation fails")
	}
}

func TestNetworkNameFor(t *testing.T) {
	team := int64(3)
	if got := networkNameFor(staticSpec(), nil); got != "crackme-network" {
		t.Fatalf("networkNameFor(static) = %q", got)
	}
	if got := networkNameFor(instancedSpec(), &team); got != "pwnme-team-3-network" {
		t.Fatalf("networkNameFor(instanced) = %q", got)
	}
}

func TestContainerNameFor(t *testing.T) {
	team := int64(3)
	if got := containerNameFor(staticSpec(), nil, "default"); got != "crackme-container-default" {
		t.Fatalf("containerNameFor(static) = %q", got)
	}
	if got := containerNameFor(instancedSpec(), &team, "default"); got != "pwnme-team-3-container-default" {
		t.Fatalf("containerNameFor(instanced) = %q", got)
	}
}

func TestTeamPublicID(t *testing.T) {
	if got := teamPublicID(nil); got != "" {
		t.Fatalf("teamPublicID(nil) = %q, want empty", got)
	}
	team := int64(42)
	if got := teamPublicID(&team); got != "42" {
		t.Fatalf("teamPublicID(42) = %q, want \"42\"", got)
	}
}

func TestRegistryAuthHeader_NilCreds(t *testing.T) {
	got, err := registryAuthHeader(nil)
	if err != nil || got != "" {
		t.Fatalf("registryAuthHeader(nil) = (%q, %v), want (\"\", nil)", got, err)
	}
}

func TestRegistryAuthHeader_EncodesCredentials(t *testing.T) {
	got, err := registryAuthHeader(&keychain.DockerCredentials{Username: "u", Password: "p", ServerAddress: "registry.example.com"})
	if err != nil {
		t.Fatalf("registryAuthHeader() error = %v", err)
	}
	if got == "" {
		t.Fatal("expected a non-empty auth header")
	}
}

func TestLeaseExpiry_StaticIsNil(t *testing.T) {
	e := &Engine{defaultLifetime: time.Hour}
	if got := e.leaseExpiry(staticSpec(), nil); got != nil {
		t.Fatalf("leaseExpiry(static) = %v, want nil", got)
	}
}

func TestLeaseExpiry_InstancedPrecedence(t *testing.T) {
	e := &Engine{defaultLifetime: time.Hour}
	spec := instancedSpec()

	withDefault := e.leaseExpiry(spec, nil)
	if withDefault == nil {
		t.Fatal("expected a non-nil expiry for an instanced challenge")
	}

	requested := uint64(30)
	withRequest := e.leaseExpiry(spec, &requested)
	if withRequest.Sub(time.Now()) > 31*time.Second {
		t.Fatalf("expected request lifetime (~30s) to override server default, got expiry %v away", withRequest.Sub(time.Now()))
	}

	specLifetime := uint64(60)
	spec.InstanceLifetimeSec = &specLifetime
	withSpecOverride := e.leaseExpiry(spec, &requested)
	if withSpecOverride.Sub(time.Now()) < 55*time.Second {
		t.Fatalf("expected spec's instance_lifetime_sec (60s) to take precedence over request, got expiry %v away", withSpecOverride.Sub(time.Now()))
	}
}

func TestSortedContainerNames_Deterministic(t *testing.T) {
	containers := map[string]catalog.ContainerSpec{"b": {}, "a": {}, "c": {}}
	got := sortedContainerNames(containers)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedContainerNames() = %v, want %v", got, want)
		}
	}
}
