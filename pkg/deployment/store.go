package deployment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides the state transitions (Claim, Finalize, MarkDestroyed,
// DropPending, PrepareTeardown) and lookups over the challenge_deployments
// table.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const rowColumns = `id, public_id, challenge_numeric_id, team_id, deployed, data, created_at, expired_at, destroyed_at`

func scanRow(row pgx.Row) (Row, error) {
	var r Row
	var rawData []byte
	if err := row.Scan(&r.ID, &r.PublicID, &r.ChallengeNumericID, &r.TeamID, &r.Deployed, &rawData, &r.CreatedAt, &r.ExpiredAt, &r.DestroyedAt); err != nil {
		return Row{}, err
	}
	data, err := unmarshalData(rawData)
	if err != nil {
		return Row{}, err
	}
	r.Data = data
	return r, nil
}

// advisoryLockKeys derives a pair of int32 keys for pg_advisory_xact_lock
// from (challengeNumericID, teamID), so claims against the same pair are
// serialized within Postgres itself, independent of this process's
// in-memory state. A NULL team_id (Static challenges) uses a fixed
// second key rather than 0, since 0 is also a valid team_id.
func advisoryLockKeys(challengeNumericID int64, teamID *int64) (int32, int32) {
	h := fnv.New32a()
	fmt.Fprintf(h, "deployment-claim/%d", challengeNumericID)
	key1 := int32(h.Sum32())

	var key2 int32
	if teamID == nil {
		key2 = -1
	} else {
		key2 = int32(*teamID)
	}
	return key1, key2
}

// Claim inserts a new pending row for (challengeNumericID, teamID), or
// returns *AlreadyDeployedError carrying the existing row's public id if a
// non-destroyed row already exists. The check-then-insert is serialized
// against concurrent claims on the same pair via a Postgres advisory lock
// held for the duration of the transaction.
func (s *Store) Claim(ctx context.Context, challengeNumericID int64, teamID *int64) (Row, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	key1, key2 := advisoryLockKeys(challengeNumericID, teamID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, key1, key2); err != nil {
		return Row{}, fmt.Errorf("acquiring claim lock: %w", err)
	}

	existing := tx.QueryRow(ctx, `
		SELECT `+rowColumns+` FROM challenge_deployments
		WHERE challenge_numeric_id = $1 AND team_id IS NOT DISTINCT FROM $2 AND destroyed_at IS NULL`,
		challengeNumericID, teamID)
	row, err := scanRow(existing)
	switch {
	case err == nil:
		return Row{}, &AlreadyDeployedError{PublicID: row.PublicID}
	case !errors.Is(err, pgx.ErrNoRows):
		return Row{}, fmt.Errorf("checking for existing deployment: %w", err)
	}

	publicID, err := generatePublicID()
	if err != nil {
		return Row{}, err
	}

	inserted := tx.QueryRow(ctx, `
		INSERT INTO challenge_deployments (public_id, challenge_numeric_id, team_id, deployed, data)
		VALUES ($1, $2, $3, false, NULL)
		RETURNING `+rowColumns,
		publicID, challengeNumericID, teamID)
	newRow, err := scanRow(inserted)
	if err != nil {
		return Row{}, fmt.Errorf("inserting deployment row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Row{}, fmt.Errorf("committing claim transaction: %w", err)
	}
	return newRow, nil
}

// Finalize marks a row deployed, persisting its resulting data and lease.
func (s *Store) Finalize(ctx context.Context, rowID int64, data Data, expiredAt *time.Time) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE challenge_deployments
		SET deployed = true, data = $2, expired_at = $3
		WHERE id = $1 AND destroyed_at IS NULL`,
		rowID, raw, expiredAt)
	if err != nil {
		return fmt.Errorf("finalizing deployment %d: %w", rowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalizing deployment %d: %w", rowID, ErrNotFound)
	}
	return nil
}

// MarkDestroyed sets destroyed_at and clears data. Idempotent: destroying
// an already-destroyed row is a silent no-op, matching the teardown path's
// idempotency requirement.
func (s *Store) MarkDestroyed(ctx context.Context, rowID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE challenge_deployments
		SET destroyed_at = now(), data = NULL
		WHERE id = $1 AND destroyed_at IS NULL`,
		rowID)
	if err != nil {
		return fmt.Errorf("marking deployment %d destroyed: %w", rowID, err)
	}
	return nil
}

// DropPending deletes a row that never reached deployed=true, allowing the
// slot to be retried. Never call this after Finalize has succeeded.
func (s *Store) DropPending(ctx context.Context, rowID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM challenge_deployments WHERE id = $1 AND deployed = false`, rowID)
	if err != nil {
		return fmt.Errorf("dropping pending deployment %d: %w", rowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dropping pending deployment %d: %w", rowID, ErrNotFound)
	}
	return nil
}

// GetByPublicID returns a row by its externally-visible public id.
func (s *Store) GetByPublicID(ctx context.Context, publicID string) (Row, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rowColumns+` FROM challenge_deployments WHERE public_id = $1`, publicID)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("getting deployment %s: %w", publicID, err)
	}
	return r, nil
}

// GetByID returns a row by its internal primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (Row, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rowColumns+` FROM challenge_deployments WHERE id = $1`, id)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("getting deployment %d: %w", id, err)
	}
	return r, nil
}

// FindActive returns the non-destroyed row for (challengeNumericID, teamID),
// or ErrNotFound if none exists.
func (s *Store) FindActive(ctx context.Context, challengeNumericID int64, teamID *int64) (Row, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+rowColumns+` FROM challenge_deployments
		WHERE challenge_numeric_id = $1 AND team_id IS NOT DISTINCT FROM $2 AND destroyed_at IS NULL`,
		challengeNumericID, teamID)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("finding active deployment: %w", err)
	}
	return r, nil
}

// PrepareTeardown validates and marks a row destroyed ahead of remote
// cleanup: freeing the (challenge, team) slot takes priority over remote
// consistency, so destroyed_at is committed before any daemon/proxy call is
// attempted. Returns the pre-destruction row (with its Data intact) so the
// caller knows what to tear down remotely.
func (s *Store) PrepareTeardown(ctx context.Context, rowID int64) (Row, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("beginning teardown transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row, err := scanRow(tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM challenge_deployments WHERE id = $1 FOR UPDATE`, rowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("reading deployment %d: %w", rowID, err)
	}

	if row.DestroyedAt != nil {
		return Row{}, ErrAlreadyDestroyed
	}
	if !row.Deployed {
		return Row{}, ErrNotYetDeployed
	}

	if _, err := tx.Exec(ctx, `UPDATE challenge_deployments SET destroyed_at = now(), data = NULL WHERE id = $1`, rowID); err != nil {
		return Row{}, fmt.Errorf("marking deployment %d destroyed: %w", rowID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Row{}, fmt.Errorf("committing teardown transaction: %w", err)
	}
	return row, nil
}

// ListPendingExpiry returns every non-destroyed row with a non-null
// expired_at, for the reaper's startup sweep.
func (s *Store) ListPendingExpiry(ctx context.Context) ([]Row, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rowColumns+` FROM challenge_deployments
		WHERE destroyed_at IS NULL AND expired_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing pending-expiry deployments: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending-expiry row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending-expiry rows: %w", err)
	}
	return out, nil
}
