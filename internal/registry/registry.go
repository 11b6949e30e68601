// Package registry is the persistence driver (L1): typed queries against the
// registry tables that back every other indexer subsystem — the indexer row
// itself, its versioned assets (manifest/schema/module), its checkpoint, and
// the nonce table backing internal/authn. Every other component that needs
// durable state goes through here rather than opening its own queries.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/chain-indexer/infrastructure/database"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

// AssetType identifies one of the three versioned blobs an indexer carries.
type AssetType string

const (
	AssetManifest AssetType = "manifest"
	AssetSchema   AssetType = "schema"
	AssetModule   AssetType = "module"
)

// IndexerRow is one registry row, keyed by the surrogate id.
type IndexerRow struct {
	ID         int64     `db:"id"`
	Namespace  string    `db:"namespace"`
	Identifier string    `db:"identifier"`
	PubKey     *string   `db:"pubkey"`
	CreatedAt  time.Time `db:"created_ts"`
}

// UID returns the globally unique "{namespace}.{identifier}" key.
func (r IndexerRow) UID() string {
	return r.Namespace + "." + r.Identifier
}

// Asset is one versioned asset row.
type Asset struct {
	IndexerID int64     `db:"indexer_id"`
	Type      AssetType `db:"asset_type"`
	Bytes     []byte    `db:"bytes"`
	Version   int       `db:"version"`
	Digest    string    `db:"digest"`
	CreatedAt time.Time `db:"created_ts"`
}

// Registry wraps a *sqlx.DB with the indexer-domain queries. It is the sole
// writer of the registry tables; per-indexer namespaced schemas are written
// only by internal/storagemap.
type Registry struct {
	db *sqlx.DB
}

// New wraps an already-opened database handle (postgres driver).
func New(db *sql.DB) *Registry {
	return &Registry{db: sqlx.NewDb(db, "postgres")}
}

// DB exposes the underlying handle for callers (e.g. pkg/pgnotify) that need
// a second dedicated connection to the same database.
func (r *Registry) DB() *sql.DB { return r.db.DB }

// Bootstrap creates the registry tables if they do not already exist. It is
// idempotent and safe to call on every process start.
func (r *Registry) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS indexer (
			id BIGSERIAL PRIMARY KEY,
			namespace TEXT NOT NULL,
			identifier TEXT NOT NULL,
			pubkey TEXT,
			created_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (namespace, identifier)
		)`,
		`CREATE TABLE IF NOT EXISTS indexer_asset (
			indexer_id BIGINT NOT NULL REFERENCES indexer(id) ON DELETE CASCADE,
			asset_type TEXT NOT NULL,
			bytes BYTEA NOT NULL,
			version INT NOT NULL,
			digest TEXT NOT NULL,
			created_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (indexer_id, asset_type, version)
		)`,
		`CREATE TABLE IF NOT EXISTS indexer_checkpoint (
			namespace TEXT NOT NULL,
			identifier TEXT NOT NULL,
			height BIGINT NOT NULL,
			PRIMARY KEY (namespace, identifier)
		)`,
		`CREATE TABLE IF NOT EXISTS nonce (
			uid TEXT PRIMARY KEY,
			expiry TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.StorageUnavailable, "bootstrap registry", err)
		}
	}
	return nil
}

// GetByUID looks up the registry row for namespace.identifier. Returns
// errkind.NotFound if no row exists.
func (r *Registry) GetByUID(ctx context.Context, namespace, identifier string) (*IndexerRow, error) {
	var row IndexerRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, namespace, identifier, pubkey, created_ts FROM indexer WHERE namespace = $1 AND identifier = $2`,
		namespace, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("Indexer(%s.%s) not found", namespace, identifier))
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "lookup indexer", err)
	}
	return &row, nil
}

// ListAll returns every registered indexer, ordered by id — the set hydrated
// on startup.
func (r *Registry) ListAll(ctx context.Context) ([]IndexerRow, error) {
	var rows []IndexerRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, namespace, identifier, pubkey, created_ts FROM indexer ORDER BY id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "list indexers", err)
	}
	return rows, nil
}

// CreateIndexer inserts a fresh registry row. Callers must have already
// established that no row with this uid exists (or have removed it), per the
// replace_indexer semantics handled by internal/supervisor.
func (r *Registry) CreateIndexer(ctx context.Context, tx *sql.Tx, namespace, identifier string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO indexer (namespace, identifier) VALUES ($1, $2) RETURNING id`,
		namespace, identifier).Scan(&id)
	if database.IsUniqueViolation(err) {
		// Registration races are resolved at the database, not in memory: a
		// concurrent insert of the same uid surfaces here.
		return 0, errkind.New(errkind.AlreadyExists, fmt.Sprintf("Indexer(%s.%s) already exists", namespace, identifier))
	}
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageUnavailable, "insert indexer row", err)
	}
	return id, nil
}

// DeleteIndexer removes the registry row (cascading to its assets and
// checkpoint) and drops its namespaced schema, all inside tx.
func (r *Registry) DeleteIndexer(ctx context.Context, tx *sql.Tx, namespace, identifier, dropSchemaStatement string) error {
	if _, err := tx.ExecContext(ctx, dropSchemaStatement); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "drop indexer schema", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexer_checkpoint WHERE namespace = $1 AND identifier = $2`, namespace, identifier); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "delete checkpoint", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexer WHERE namespace = $1 AND identifier = $2`, namespace, identifier); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "delete indexer row", err)
	}
	return nil
}

// SaveAsset persists a new version of one asset, inside tx. The version
// counter increments per (indexer_id, asset_type); the digest is sha256 of
// the raw bytes, letting latest_assets_for_indexer be a well-defined query
// rather than "the last row by created_ts".
func (r *Registry) SaveAsset(ctx context.Context, tx *sql.Tx, indexerID int64, assetType AssetType, data []byte) (*Asset, error) {
	var lastVersion sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM indexer_asset WHERE indexer_id = $1 AND asset_type = $2`,
		indexerID, assetType).Scan(&lastVersion)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "read asset version", err)
	}
	version := 1
	if lastVersion.Valid {
		version = int(lastVersion.Int64) + 1
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	_, err = tx.ExecContext(ctx,
		`INSERT INTO indexer_asset (indexer_id, asset_type, bytes, version, digest) VALUES ($1, $2, $3, $4, $5)`,
		indexerID, assetType, data, version, digest)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, fmt.Sprintf("save %s asset", assetType), err)
	}
	return &Asset{IndexerID: indexerID, Type: assetType, Bytes: data, Version: version, Digest: digest}, nil
}

// LatestAsset returns the highest-versioned row for one asset type. Returns
// errkind.NotFound when the indexer has never persisted that asset.
func (r *Registry) LatestAsset(ctx context.Context, indexerID int64, assetType AssetType) (*Asset, error) {
	var a Asset
	err := r.db.GetContext(ctx, &a,
		`SELECT indexer_id, asset_type, bytes, version, digest, created_ts FROM indexer_asset
		 WHERE indexer_id = $1 AND asset_type = $2 ORDER BY version DESC LIMIT 1`,
		indexerID, assetType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("no %s asset for indexer %d", assetType, indexerID))
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "load latest asset", err)
	}
	return &a, nil
}

// LatestAssets loads the latest Manifest, Schema and Module assets together,
// the bundle the supervisor needs to (re)spawn an executor.
func (r *Registry) LatestAssets(ctx context.Context, indexerID int64) (manifest, schemaText, module *Asset, err error) {
	manifest, err = r.LatestAsset(ctx, indexerID, AssetManifest)
	if err != nil {
		return nil, nil, nil, err
	}
	schemaText, err = r.LatestAsset(ctx, indexerID, AssetSchema)
	if err != nil {
		return nil, nil, nil, err
	}
	module, err = r.LatestAsset(ctx, indexerID, AssetModule)
	if err != nil {
		return nil, nil, nil, err
	}
	return manifest, schemaText, module, nil
}

// GetCheckpoint returns the last committed height, or nil if the indexer has
// never committed a batch.
func (r *Registry) GetCheckpoint(ctx context.Context, namespace, identifier string) (*uint64, error) {
	var height uint64
	err := r.db.GetContext(ctx,
		&height, `SELECT height FROM indexer_checkpoint WHERE namespace = $1 AND identifier = $2`,
		namespace, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "load checkpoint", err)
	}
	return &height, nil
}

// SetCheckpoint upserts the committed height inside tx. Callers must ensure
// monotonicity (§3's invariant) by only ever calling this with a height
// greater than the prior checkpoint; the block-stream engine is the only
// caller, and it advances the cursor strictly.
func (r *Registry) SetCheckpoint(ctx context.Context, tx *sql.Tx, namespace, identifier string, height uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO indexer_checkpoint (namespace, identifier, height) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, identifier) DO UPDATE SET height = EXCLUDED.height
		 WHERE indexer_checkpoint.height < EXCLUDED.height`,
		namespace, identifier, height)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "write checkpoint", err)
	}
	return nil
}

// CreateNonce mints and persists a (uid, expiry) pair for internal/authn.
func (r *Registry) CreateNonce(ctx context.Context, uid string, ttl time.Duration) (string, time.Time, error) {
	expiry := time.Now().UTC().Add(ttl)
	nonceUID := uid + ":" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `INSERT INTO nonce (uid, expiry) VALUES ($1, $2)`, nonceUID, expiry)
	if err != nil {
		return "", time.Time{}, errkind.Wrap(errkind.StorageUnavailable, "create nonce", err)
	}
	return nonceUID, expiry, nil
}

// ConsumeNonce atomically checks and deletes a nonce. It returns
// errkind.NotFound if the nonce is unknown or already consumed, and an
// errkind.Unknown error if it exists but has expired (the row is deleted either way so it
// cannot be retried).
func (r *Registry) ConsumeNonce(ctx context.Context, nonceUID string) error {
	var expiry time.Time
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "begin nonce tx", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT expiry FROM nonce WHERE uid = $1 FOR UPDATE`, nonceUID).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return errkind.New(errkind.NotFound, "nonce not found or already consumed")
	}
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "load nonce", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonce WHERE uid = $1`, nonceUID); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "delete nonce", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "commit nonce consumption", err)
	}
	if time.Now().UTC().After(expiry) {
		return errkind.New(errkind.Unknown, "nonce expired")
	}
	return nil
}

// SweepExpiredNonces deletes every nonce past its expiry, the housekeeping
// job internal/control schedules via robfig/cron alongside registry drift
// reconciliation.
func (r *Registry) SweepExpiredNonces(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM nonce WHERE expiry < now()`)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageUnavailable, "sweep expired nonces", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BeginTx starts a transaction on the registry's connection, for callers
// (internal/supervisor) that need to span several of the methods above
// atomically.
func (r *Registry) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "begin registry tx", err)
	}
	return tx, nil
}
