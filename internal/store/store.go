// Package store is the typed SQL store gateway (C3): a single connection
// wrapping a fixed set of prepared statements, upserts, and max-id
// queries. One Store wraps exactly one database connection and is not
// safe for concurrent use — callers that need concurrent access (C6 and
// C7 running side by side) must each construct their own Store.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	"github.com/uptrace/opentelemetry-go-extra/otelsqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/ierrors"
)

// InsertMode selects conflict-handling semantics for Tag inserts.
type InsertMode int

const (
	// InsertWeak discards the new row on a primary-key conflict.
	InsertWeak InsertMode = iota
	// InsertOverwrite updates all non-key columns from the new row on conflict.
	InsertOverwrite
)

// Store wraps one SQL connection and its prepared statements.
type Store struct {
	db *sqlx.DB

	stmtTagIDByName             *sqlx.Stmt
	stmtInsertMediaAsset        *sqlx.Stmt
	stmtInsertMediaAssetVariant *sqlx.Stmt
	stmtInsertPost              *sqlx.Stmt
	stmtInsertPostVersion       *sqlx.Stmt
	stmtLatestPostVersionForPost *sqlx.Stmt
	stmtInsertTagWeak           *sqlx.Stmt
	stmtInsertTagOverwrite      *sqlx.Stmt
	stmtIncrementPostCount      *sqlx.Stmt
}

// New opens a single connection to databaseURL and prepares the
// gateway's fixed statement set.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := otelsqlx.Connect("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	// A single, task-local connection: the store is not thread-safe and
	// each perpetual task owns its own instance, per spec.md section 4.4
	// / section 5 "Shared-resource policy".
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewForTesting constructs a Store around an already-open *sqlx.DB,
// for tests that inject a mock driver (github.com/DATA-DOG/go-sqlmock)
// instead of a real Postgres connection.
func NewForTesting(ctx context.Context, db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	stmts := []struct {
		dst   **sqlx.Stmt
		query string
	}{
		{&s.stmtTagIDByName, `SELECT id FROM tags WHERE name = $1`},
		{&s.stmtInsertMediaAsset, `
			INSERT INTO media_assets
				(id, md5, file_ext, file_size, image_width, image_height, duration,
				 pixel_hash, status, file_key, is_public, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`},
		{&s.stmtInsertMediaAssetVariant, `
			INSERT INTO media_asset_variants (asset_id, type, width, height, file_ext)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`},
		{&s.stmtInsertPost, `
			INSERT INTO posts
				(id, uploader_id, approver_id, tags, rating, parent, source, media_asset,
				 fav_count, up_score, down_score, bit_flags, pixiv_id, has_children,
				 is_pending, is_flagged, is_deleted, is_banned, last_comment, last_bump,
				 last_note, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23)
			ON CONFLICT (id) DO NOTHING`},
		{&s.stmtInsertPostVersion, `
			INSERT INTO post_versions
				(id, post_id, updater_id, updated_at, version, added_tags, removed_tags,
				 new_rating, new_parent, new_source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`},
		{&s.stmtLatestPostVersionForPost, `
			SELECT COALESCE(MAX(id), 0) FROM post_versions WHERE post_id = $1`},
		{&s.stmtInsertTagWeak, `
			INSERT INTO tags (id, name, post_count, category, is_deprecated, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`},
		{&s.stmtInsertTagOverwrite, `
			INSERT INTO tags (id, name, post_count, category, is_deprecated, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				post_count = EXCLUDED.post_count,
				category = EXCLUDED.category,
				is_deprecated = EXCLUDED.is_deprecated,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at`},
		{&s.stmtIncrementPostCount, `
			UPDATE tags SET post_count = post_count + $2 WHERE id = $1`},
	}

	for _, st := range stmts {
		prepared, err := s.db.PreparexContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*st.dst = prepared
	}

	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a read-write transaction; the caller commits or rolls back.
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

// nullTime coerces a zero timestamp to NULL, per spec.md section 4.3.
func nullTime(ts danbooru.Timestamp) interface{} {
	if ts.IsZero() {
		return nil
	}
	return ts.Time
}

// nullTimePtr coerces a nil or zero optional timestamp to NULL.
func nullTimePtr(ts *danbooru.Timestamp) interface{} {
	if ts == nil || ts.IsZero() {
		return nil
	}
	return ts.Time
}

// nullString coerces an empty string (via nil or "") to NULL.
func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// nullInt32Array coerces a nil or empty slice to NULL rather than an
// empty Postgres array.
func nullInt32Array(ids []int32) interface{} {
	if len(ids) == 0 {
		return nil
	}
	return pq.Int32Array(ids)
}

// InsertTag inserts or upserts a tag row per mode, returning its id.
func (s *Store) InsertTag(ctx context.Context, tx *sqlx.Tx, tag danbooru.Tag, mode InsertMode) (int32, error) {
	stmt := s.stmtInsertTagWeak
	if mode == InsertOverwrite {
		stmt = s.stmtInsertTagOverwrite
	}

	_, err := tx.StmtxContext(ctx, stmt).ExecContext(ctx,
		tag.ID, tag.Name, tag.PostCount, int(tag.Category), tag.IsDeprecated,
		nullTime(tag.CreatedAt), nullTime(tag.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert tag %q: %w", tag.Name, err)
	}

	return tag.ID, nil
}

// InsertMediaAsset inserts the asset row then one row per variant,
// returning the asset id.
func (s *Store) InsertMediaAsset(ctx context.Context, tx *sqlx.Tx, asset danbooru.MediaAsset) (int32, error) {
	_, err := tx.StmtxContext(ctx, s.stmtInsertMediaAsset).ExecContext(ctx,
		asset.ID, asset.MD5, string(asset.FileExt), asset.FileSize, asset.ImageWidth, asset.ImageHeight,
		asset.Duration, asset.PixelHash, string(asset.Status), asset.FileKey, asset.IsPublic,
		nullTime(asset.CreatedAt), nullTime(asset.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert media_asset %d: %w", asset.ID, err)
	}

	for _, v := range asset.Variants {
		_, err := tx.StmtxContext(ctx, s.stmtInsertMediaAssetVariant).ExecContext(ctx,
			asset.ID, v.Type, v.Width, v.Height, string(v.FileExt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert media_asset_variant %d/%s: %w", asset.ID, v.Type, err)
		}
	}

	return asset.ID, nil
}

// InsertPost inserts a post row, returning its id.
func (s *Store) InsertPost(ctx context.Context, tx *sqlx.Tx, post danbooru.Post) (int32, error) {
	_, err := tx.StmtxContext(ctx, s.stmtInsertPost).ExecContext(ctx,
		post.ID, post.UploaderID, post.ApproverID, nullInt32Array(post.Tags), string(post.Rating),
		post.Parent, nullString(post.Source), post.MediaAsset, post.FavCount, post.UpScore,
		post.DownScore, post.BitFlags, post.PixivID, post.HasChildren, post.IsPending,
		post.IsFlagged, post.IsDeleted, post.IsBanned,
		nullTimePtr(post.LastComment), nullTimePtr(post.LastBump), nullTimePtr(post.LastNote),
		nullTime(post.CreatedAt), nullTime(post.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert post %d: %w", post.ID, err)
	}

	return post.ID, nil
}

// InsertPostVersion inserts a post_version row, returning its id.
func (s *Store) InsertPostVersion(ctx context.Context, tx *sqlx.Tx, v danbooru.PostVersion) (int32, error) {
	var newRating interface{}
	if v.NewRating != nil {
		newRating = string(*v.NewRating)
	}

	_, err := tx.StmtxContext(ctx, s.stmtInsertPostVersion).ExecContext(ctx,
		v.ID, v.PostID, v.UpdaterID, nullTime(v.UpdatedAt), v.Version,
		nullInt32Array(v.AddedTags), nullInt32Array(v.RemovedTags),
		newRating, v.NewParent, nullString(v.NewSource),
	)
	if err != nil {
		return 0, fmt.Errorf("insert post_version %d: %w", v.ID, err)
	}

	return v.ID, nil
}

// IncrementPostCount applies UPDATE tags SET post_count = post_count + delta.
func (s *Store) IncrementPostCount(ctx context.Context, tx *sqlx.Tx, tagID int32, delta int32) error {
	if delta == 0 {
		return nil
	}

	_, err := tx.StmtxContext(ctx, s.stmtIncrementPostCount).ExecContext(ctx, tagID, delta)
	if err != nil {
		return fmt.Errorf("increment post_count for tag %d: %w", tagID, err)
	}

	return nil
}

// tableMaxID runs SELECT COALESCE(MAX(id), 0) FROM <table> in its own
// short transaction. Zero means the table is empty.
func (s *Store) tableMaxID(ctx context.Context, table string) (int32, error) {
	var id int32
	query := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", table)
	if err := s.db.GetContext(ctx, &id, query); err != nil {
		return 0, fmt.Errorf("max id of %s: %w", table, err)
	}
	return id, nil
}

// LatestPost returns the high-water mark of the posts table.
func (s *Store) LatestPost(ctx context.Context) (int32, error) {
	return s.tableMaxID(ctx, "posts")
}

// LatestTag returns the high-water mark of the tags table.
func (s *Store) LatestTag(ctx context.Context) (int32, error) {
	return s.tableMaxID(ctx, "tags")
}

// LatestMediaAsset returns the high-water mark of the media_assets table.
func (s *Store) LatestMediaAsset(ctx context.Context) (int32, error) {
	return s.tableMaxID(ctx, "media_assets")
}

// LatestPostVersion returns the high-water mark of the post_versions table.
func (s *Store) LatestPostVersion(ctx context.Context) (int32, error) {
	return s.tableMaxID(ctx, "post_versions")
}

// LatestPostVersionForPost returns the highest post_versions.id for a
// given post, using the same connection (not inside a caller-supplied tx).
func (s *Store) LatestPostVersionForPost(ctx context.Context, postID int32) (int32, error) {
	var id int32
	if err := s.stmtLatestPostVersionForPost.GetContext(ctx, &id, postID); err != nil {
		return 0, fmt.Errorf("latest post_version for post %d: %w", postID, err)
	}
	return id, nil
}

// LowestTag returns SELECT COALESCE(MIN(id), 0) FROM tags in its own
// short transaction.
func (s *Store) LowestTag(ctx context.Context) (int32, error) {
	var id int32
	if err := s.db.GetContext(ctx, &id, `SELECT COALESCE(MIN(id), 0) FROM tags`); err != nil {
		return 0, fmt.Errorf("lowest tag: %w", err)
	}
	return id, nil
}

// LowestTagTx is LowestTag scoped to an existing transaction, used by the
// tag resolver when allocating synthetic ids so the read observes its
// own uncommitted inserts.
func (s *Store) LowestTagTx(ctx context.Context, tx *sqlx.Tx) (int32, error) {
	var id int32
	if err := tx.GetContext(ctx, &id, `SELECT COALESCE(MIN(id), 0) FROM tags`); err != nil {
		return 0, fmt.Errorf("lowest tag (tx): %w", err)
	}
	return id, nil
}

// TagID returns the id of the tag named name, or 0 if absent. More than
// one matching row is a DataConsistencyError: spec.md invariant 1 says
// name -> id is one-to-one.
func (s *Store) TagID(ctx context.Context, tx *sqlx.Tx, name string) (int32, error) {
	var ids []int32
	if err := tx.StmtxContext(ctx, s.stmtTagIDByName).SelectContext(ctx, &ids, name); err != nil {
		return 0, fmt.Errorf("tag id for %q: %w", name, err)
	}

	switch len(ids) {
	case 0:
		return 0, nil
	case 1:
		return ids[0], nil
	default:
		return 0, &ierrors.DataConsistencyError{
			Detail: fmt.Sprintf("tag name %q has %d rows, expected at most 1", name, len(ids)),
		}
	}
}
