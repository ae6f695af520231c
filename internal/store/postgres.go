package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendOperation writes one audit record and returns it with the assigned
// id and server timestamp.
func (s *PostgresStore) AppendOperation(ctx context.Context, op Operation) (Operation, error) {
	const query = `
		INSERT INTO asset_operations (asset_id, user_id, op_type, position, length, content, path, target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		op.AssetID, op.UserID, op.Type, op.Position, op.Length, op.Content, op.Path, op.Target,
	).Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		return Operation{}, fmt.Errorf("append operation: %w", err)
	}
	return op, nil
}

// ListOperations returns the audit history for an asset in ascending
// timestamp order. limit <= 0 returns everything.
func (s *PostgresStore) ListOperations(ctx context.Context, assetID string, limit int) ([]Operation, error) {
	query := `
		SELECT id, asset_id, user_id, op_type, position, length, content, path, target, created_at
		FROM asset_operations
		WHERE asset_id = $1
		ORDER BY created_at ASC, id ASC
	`
	args := []any{assetID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	items := make([]Operation, 0)
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.AssetID, &op.UserID, &op.Type, &op.Position, &op.Length, &op.Content, &op.Path, &op.Target, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		items = append(items, op)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertLock(ctx context.Context, lock Lock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_locks (asset_id, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset_id) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at
	`, lock.AssetID, lock.UserID, lock.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, assetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM asset_locks WHERE asset_id=$1`, assetID)
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// GetLock returns nil when no lock row exists.
func (s *PostgresStore) GetLock(ctx context.Context, assetID string) (*Lock, error) {
	var lock Lock
	err := s.db.QueryRowContext(ctx,
		`SELECT asset_id, user_id, expires_at FROM asset_locks WHERE asset_id=$1`, assetID,
	).Scan(&lock.AssetID, &lock.UserID, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM asset_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, version Version) error {
	changes, err := json.Marshal(version.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	tags := version.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO asset_versions (id, asset_id, user_id, branch, description, changes, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
	`, version.ID, version.AssetID, version.UserID, version.Branch, version.Description, string(changes), string(encodedTags), version.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset_id, user_id, branch, description, changes, tags, created_at
		FROM asset_versions WHERE id=$1
	`, versionID)
	return scanVersion(row)
}

func (s *PostgresStore) ListVersions(ctx context.Context, assetID string, filter VersionFilter) ([]Version, error) {
	query := `
		SELECT id, asset_id, user_id, branch, description, changes, tags, created_at
		FROM asset_versions
		WHERE asset_id = $1
	`
	args := []any{assetID}
	if filter.FromDate != nil {
		args = append(args, *filter.FromDate)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if filter.ToDate != nil {
		args = append(args, *filter.ToDate)
		query += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	if len(filter.Tags) > 0 {
		// jsonb containment: the version must hold every requested tag
		encoded, err := json.Marshal(filter.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		args = append(args, string(encoded))
		query += ` AND tags @> $` + strconv.Itoa(len(args)) + `::jsonb`
	}
	if filter.Branch != "" {
		args = append(args, filter.Branch)
		query += ` AND branch = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, version)
	}
	return items, rows.Err()
}

// LatestVersion returns the newest version for an asset regardless of branch.
func (s *PostgresStore) LatestVersion(ctx context.Context, assetID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset_id, user_id, branch, description, changes, tags, created_at
		FROM asset_versions WHERE asset_id=$1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, assetID)
	return scanVersion(row)
}

// LatestVersionOnBranch returns the newest version stamped with the branch.
func (s *PostgresStore) LatestVersionOnBranch(ctx context.Context, assetID, branch string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset_id, user_id, branch, description, changes, tags, created_at
		FROM asset_versions WHERE asset_id=$1 AND branch=$2
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, assetID, branch)
	return scanVersion(row)
}

func (s *PostgresStore) UpdateVersionTags(ctx context.Context, versionID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE asset_versions SET tags=$2::jsonb WHERE id=$1`, versionID, string(encoded))
	if err != nil {
		return fmt.Errorf("update version tags: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertBranch(ctx context.Context, branch Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_branches (asset_id, name, base_version_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_id, name) DO NOTHING
	`, branch.AssetID, branch.Name, branch.BaseVersionID, branch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, assetID, name string) (Branch, error) {
	var branch Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, name, base_version_id, created_at
		FROM asset_branches WHERE asset_id=$1 AND name=$2
	`, assetID, name).Scan(&branch.AssetID, &branch.Name, &branch.BaseVersionID, &branch.CreatedAt)
	if err != nil {
		return Branch{}, err
	}
	return branch, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, assetID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, name, base_version_id, created_at
		FROM asset_branches WHERE asset_id=$1
		ORDER BY created_at ASC
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var branch Branch
		if err := rows.Scan(&branch.AssetID, &branch.Name, &branch.BaseVersionID, &branch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, branch)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var version Version
	var changesRaw, tagsRaw []byte
	err := row.Scan(&version.ID, &version.AssetID, &version.UserID, &version.Branch, &version.Description, &changesRaw, &tagsRaw, &version.CreatedAt)
	if err == sql.ErrNoRows {
		return Version{}, err
	}
	if err != nil {
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal(changesRaw, &version.Changes); err != nil {
		return Version{}, fmt.Errorf("decode changes: %w", err)
	}
	if err := json.Unmarshal(tagsRaw, &version.Tags); err != nil {
		return Version{}, fmt.Errorf("decode tags: %w", err)
	}
	return version, nil
}
