// Package deployment persists deployment rows and enforces their state
// transitions under transactional guarantees. This is the authoritative
// record of deployment intent: the engine (pkg/engine) reconciles it
// against live remote resources.
package deployment

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/chalorch/pkg/addressing"
)

// ExposureKind mirrors catalog.ExposureKind without importing pkg/catalog,
// keeping the persisted row format decoupled from the authored spec format.
type ExposureKind string

const (
	ExposureTCP  ExposureKind = "tcp"
	ExposureHTTP ExposureKind = "http"
)

// HostMapping is the address a single container port was given at deploy
// time. Exactly one of the Tcp/Http-specific fields is meaningful,
// selected by Kind.
type HostMapping struct {
	Kind      ExposureKind `json:"kind"`
	HostPort  uint16       `json:"host_port,omitempty"`
	Subdomain string       `json:"subdomain,omitempty"`
	Base      string       `json:"base"`
}

// ContainerResult is the recorded outcome of deploying one container.
type ContainerResult struct {
	ContainerID string                 `json:"container_id"`
	Ports       map[string]HostMapping `json:"ports"` // keyed by container port, as a string (JSON object keys)
}

// Data is the opaque JSON payload stored on a deployed row, keyed by
// container name.
type Data map[string]ContainerResult

// Row is a persisted deployment record.
type Row struct {
	ID                 int64
	PublicID           string
	ChallengeNumericID int64
	TeamID             *int64
	Deployed           bool
	Data               Data
	CreatedAt          time.Time
	ExpiredAt          *time.Time
	DestroyedAt        *time.Time
}

// AlreadyDeployedError is returned by Claim when a live row already exists
// for the (challenge, team) pair. It carries the existing row's public id
// so the caller can report it without a second lookup.
type AlreadyDeployedError struct {
	PublicID string
}

func (e *AlreadyDeployedError) Error() string {
	return fmt.Sprintf("already deployed as %s", e.PublicID)
}

var (
	// ErrNotFound indicates no row exists for the requested lookup.
	ErrNotFound = fmt.Errorf("deployment not found")
	// ErrAlreadyDestroyed indicates a teardown was requested on a row whose
	// destroyed_at is already set.
	ErrAlreadyDestroyed = fmt.Errorf("deployment already destroyed")
	// ErrNotYetDeployed indicates a teardown raced an in-flight deploy.
	ErrNotYetDeployed = fmt.Errorf("deployment not yet deployed")
)

// generatePublicID returns a random, URL-safe opaque token.
func generatePublicID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating public id: %w", err)
	}
	return addressing.CrockfordLowerEncoding.EncodeToString(buf), nil
}

// marshalData serializes Data for storage, using string container-port keys
// since JSON object keys must be strings.
func marshalData(d Data) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling deployment data: %w", err)
	}
	return raw, nil
}

func unmarshalData(raw []byte) (Data, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshaling deployment data: %w", err)
	}
	return d, nil
}
