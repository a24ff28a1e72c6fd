// Package catalog holds the in-memory mapping from challenge slug to its
// declarative spec, reloadable from a directory of TOML files without
// disrupting concurrent readers.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/wisbric/chalorch/pkg/addressing"
)

// Strategy selects whether a challenge is shared across all teams or
// provisioned per team.
type Strategy string

const (
	StrategyStatic    Strategy = "static"
	StrategyInstanced Strategy = "instanced"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Limits bounds a container's CPU and memory.
type Limits struct {
	CPUNanos int64 `toml:"cpu_nanos"`
	MemBytes int64 `toml:"mem_bytes"`
}

const (
	defaultCPUNanos = 1_000_000_000
	defaultMemBytes = 100 * 1024 * 1024
)

// ExposureKind is the transport a container port is exposed over.
type ExposureKind string

const (
	ExposureTCP  ExposureKind = "tcp"
	ExposureHTTP ExposureKind = "http"
)

// ContainerSpec is the declarative definition of one container in a challenge.
type ContainerSpec struct {
	Env        map[string]string      `toml:"env"`
	CapAdd     []string               `toml:"cap_add"`
	Privileged bool                   `toml:"privileged"`
	Limits     Limits                 `toml:"limits"`
	Exposures  map[uint16]ExposureKind `toml:"exposures"`
}

// limitsOrDefault returns the container's resource limits, filling in
// defaults for any zero field.
func (c ContainerSpec) limitsOrDefault() Limits {
	l := c.Limits
	if l.CPUNanos == 0 {
		l.CPUNanos = defaultCPUNanos
	}
	if l.MemBytes == 0 {
		l.MemBytes = defaultMemBytes
	}
	return l
}

// ResourceLimits returns the container's CPU/memory limits with defaults applied.
func (c ContainerSpec) ResourceLimits() Limits { return c.limitsOrDefault() }

// ImageRef computes the fully-qualified image reference for a container
// within a challenge, given the host keychain's repo and image prefix.
func (c ContainerSpec) ImageRef(repo, imagePrefix, slug, containerName string) string {
	if containerName == "default" {
		return fmt.Sprintf("%s/%s%s", repo, imagePrefix, slug)
	}
	return fmt.Sprintf("%s/%s%s-%s", repo, imagePrefix, slug, containerName)
}

// ChallengeSpec is the authored, declarative definition of a challenge.
type ChallengeSpec struct {
	Slug                string                   `toml:"slug"`
	NumericID           int64                    `toml:"numeric_id"`
	Strategy            Strategy                 `toml:"strategy"`
	HostID              string                   `toml:"host_id"`
	BumpSeed            uint64                   `toml:"bump_seed"`
	InstanceLifetimeSec *uint64                  `toml:"instance_lifetime_sec"`
	Containers          map[string]ContainerSpec `toml:"containers"`
}

// HostIDOrDefault returns the spec's host_id, defaulting to "default".
func (s ChallengeSpec) HostIDOrDefault() string {
	if s.HostID == "" {
		return "default"
	}
	return s.HostID
}

// validate checks grammar and structural constraints on a single spec.
func (s ChallengeSpec) validate() error {
	if !slugPattern.MatchString(s.Slug) {
		return fmt.Errorf("slug %q: must match %s", s.Slug, slugPattern.String())
	}
	switch s.Strategy {
	case StrategyStatic, StrategyInstanced:
	default:
		return fmt.Errorf("slug %q: invalid strategy %q", s.Slug, s.Strategy)
	}
	return nil
}

// Snapshot is an immutable view of the catalog at a point in time. Readers
// obtain one via Cache.Snapshot and may hold it indefinitely; a concurrent
// reload never mutates it.
type Snapshot struct {
	bySlug      map[string]*ChallengeSpec
	byNumericID map[int64]*ChallengeSpec
}

// BySlug looks up a challenge spec by its slug.
func (s Snapshot) BySlug(slug string) (*ChallengeSpec, bool) {
	spec, ok := s.bySlug[slug]
	return spec, ok
}

// ByNumericID looks up a challenge spec by its numeric database key.
func (s Snapshot) ByNumericID(id int64) (*ChallengeSpec, bool) {
	spec, ok := s.byNumericID[id]
	return spec, ok
}

// Len returns the number of challenges in the snapshot.
func (s Snapshot) Len() int { return len(s.bySlug) }

func newSnapshot(specs map[string]*ChallengeSpec) Snapshot {
	byNumericID := make(map[int64]*ChallengeSpec, len(specs))
	for _, spec := range specs {
		byNumericID[spec.NumericID] = spec
	}
	return Snapshot{bySlug: specs, byNumericID: byNumericID}
}

// Cache is a single-writer/many-reader store of challenge specs. Readers
// call Snapshot for a stable, lock-free view; writers serialize through mu
// and swap the snapshot pointer atomically on success.
type Cache struct {
	dir     string
	logger  *slog.Logger
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[Snapshot]
}

// NewCache creates an empty cache rooted at dir. Call ReloadFromDir to
// populate it; an empty cache behaves as if no challenges are known.
func NewCache(dir string, logger *slog.Logger) *Cache {
	c := &Cache{dir: dir, logger: logger}
	empty := newSnapshot(map[string]*ChallengeSpec{})
	c.current.Store(&empty)
	return c
}

// Snapshot returns the current immutable view of the catalog.
func (c *Cache) Snapshot() Snapshot {
	return *c.current.Load()
}

// ReloadFromDir parses every *.toml file in dir, validates the result as a
// whole, and atomically replaces the snapshot on success. On validation
// failure the previous snapshot is retained untouched.
func (c *Cache) ReloadFromDir(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	specs, err := loadDir(dir)
	if err != nil {
		return err
	}

	snap := newSnapshot(specs)
	c.current.Store(&snap)
	return nil
}

// LoadFromRequest persists specs to the catalog directory and reloads from
// it. The new set is staged into a sibling directory and validated before
// any existing file is touched, so a malformed push never corrupts the
// on-disk catalog (the in-memory snapshot is likewise left untouched on
// failure).
func (c *Cache) LoadFromRequest(specs map[string]ChallengeSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	staging := c.dir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for slug, spec := range specs {
		spec.Slug = slug
		path := filepath.Join(staging, slug+".toml")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		err = toml.NewEncoder(f).Encode(spec)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("closing %s: %w", path, closeErr)
		}
	}

	loaded, err := loadDir(staging)
	if err != nil {
		return fmt.Errorf("validating staged catalog: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating catalog dir: %w", err)
	}
	existing, err := filepath.Glob(filepath.Join(c.dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("listing existing catalog files: %w", err)
	}
	for _, path := range existing {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale %s: %w", path, err)
		}
	}

	stagedFiles, err := filepath.Glob(filepath.Join(staging, "*.toml"))
	if err != nil {
		return fmt.Errorf("listing staged catalog files: %w", err)
	}
	for _, path := range stagedFiles {
		dest := filepath.Join(c.dir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("promoting %s: %w", path, err)
		}
	}

	snap := newSnapshot(loaded)
	c.current.Store(&snap)

	if c.logger != nil {
		c.logger.Info("catalog loaded from request", "challenge_count", len(loaded))
	}
	return nil
}

// loadDir parses and validates every *.toml file under dir without mutating
// any Cache state. It is the pure core shared by ReloadFromDir and the
// staged validation pass of LoadFromRequest.
func loadDir(dir string) (map[string]*ChallengeSpec, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", dir, err)
	}

	specs := make(map[string]*ChallengeSpec, len(matches))
	for _, path := range matches {
		var spec ChallengeSpec
		if _, err := toml.DecodeFile(path, &spec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if spec.Slug == "" {
			spec.Slug = strings.TrimSuffix(filepath.Base(path), ".toml")
		}
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := specs[spec.Slug]; dup {
			return nil, fmt.Errorf("duplicate slug %q (from %s)", spec.Slug, path)
		}
		s := spec
		specs[spec.Slug] = &s
	}

	if err := checkStaticPortCollisions(specs); err != nil {
		return nil, err
	}

	return specs, nil
}

// checkStaticPortCollisions verifies that no two Static challenges on the
// same host compute the same TCP host port, naming both offending slugs.
func checkStaticPortCollisions(specs map[string]*ChallengeSpec) error {
	type portKey struct {
		hostID string
		port   uint16
	}
	owners := make(map[portKey]string)

	slugs := make([]string, 0, len(specs))
	for slug := range specs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		spec := specs[slug]
		if spec.Strategy != StrategyStatic {
			continue
		}
		containerNames := make([]string, 0, len(spec.Containers))
		for name := range spec.Containers {
			containerNames = append(containerNames, name)
		}
		sort.Strings(containerNames)

		for _, name := range containerNames {
			cs := spec.Containers[name]
			ports := make([]uint16, 0, len(cs.Exposures))
			for port := range cs.Exposures {
				ports = append(ports, port)
			}
			sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

			for _, port := range ports {
				if cs.Exposures[port] != ExposureTCP {
					continue
				}
				hostPort := addressing.StaticTCPPort(spec.Slug, name, port, spec.BumpSeed)
				key := portKey{hostID: spec.HostIDOrDefault(), port: hostPort}
				if other, exists := owners[key]; exists && other != spec.Slug {
					return fmt.Errorf("static port collision on host %q port %d between %q and %q (adjust bump_seed)",
						key.hostID, hostPort, other, spec.Slug)
				}
				owners[key] = spec.Slug
			}
		}
	}
	return nil
}
