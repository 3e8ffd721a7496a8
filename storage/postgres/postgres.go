// Package postgres provides the durable Storage backend. All writes run
// in transactions; model version assignment serializes on the store row.
package postgres

import (
	"context"
	"embed"
	"errors"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gofrs/uuid/v5"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreauth/fga"
)

//go:embed migrations/*.sql
var fs embed.FS

func RunMigrations(databaseURL string) error {
	driver, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	migrations, err := migrate.NewWithSourceInstance("iofs", driver, databaseURL)
	if err != nil {
		return err
	}
	err = migrations.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type Storage struct {
	pool *pgxpool.Pool
}

var _ fga.Storage = (*Storage)(nil)

func NewStorage(ctx context.Context, databaseURL string) (*Storage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Storage{pool}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

// withRetry runs fn with bounded exponential backoff on connection-level
// failures. Query errors are permanent; a backend that keeps failing
// surfaces as ErrUnavailable so the caller denies instead of hanging.
func withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil || pgconn.SafeToRetry(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if err != nil && pgconn.SafeToRetry(err) && ctx.Err() == nil {
		return errors.Join(fga.ErrUnavailable, err)
	}
	return err
}

func (s *Storage) CreateStore(ctx context.Context, store *fga.Store) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fga_stores (id, name, description, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		store.ID, store.Name, store.Description, store.IsActive, store.CreatedAt, store.UpdatedAt)
	return err
}

const storeColumns = "id, name, description, current_model_version, is_active, tuple_count, created_at, updated_at"

func scanStore(row pgx.Row) (*fga.Store, error) {
	store := &fga.Store{}
	err := row.Scan(&store.ID, &store.Name, &store.Description, &store.CurrentModelVersion,
		&store.IsActive, &store.TupleCount, &store.CreatedAt, &store.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) GetStore(ctx context.Context, id uuid.UUID) (*fga.Store, error) {
	var store *fga.Store
	err := withRetry(ctx, func() error {
		var err error
		store, err = scanStore(s.pool.QueryRow(ctx, "SELECT "+storeColumns+" FROM fga_stores WHERE id=$1", id))
		return err
	})
	return store, err
}

func (s *Storage) ListStores(ctx context.Context, includeInactive bool) ([]*fga.Store, error) {
	query := "SELECT " + storeColumns + " FROM fga_stores"
	if !includeInactive {
		query += " WHERE is_active"
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []*fga.Store
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	return stores, rows.Err()
}

func (s *Storage) UpdateStore(ctx context.Context, store *fga.Store) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fga_stores SET name=$2, description=$3, is_active=$4, updated_at=$5 WHERE id=$1`,
		store.ID, store.Name, store.Description, store.IsActive, store.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fga.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteStore(ctx context.Context, id uuid.UUID, hard bool) error {
	var tag pgconn.CommandTag
	var err error
	if hard {
		tag, err = s.pool.Exec(ctx, "DELETE FROM fga_stores WHERE id=$1", id)
	} else {
		tag, err = s.pool.Exec(ctx, "UPDATE fga_stores SET is_active=FALSE, updated_at=now() WHERE id=$1", id)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fga.ErrNotFound
	}
	return nil
}

func (s *Storage) WriteModel(ctx context.Context, model *fga.AuthorizationModel) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the store row so concurrent writers serialize on version
	// assignment; the UNIQUE (store_id, version) constraint backs this up.
	var active bool
	err = tx.QueryRow(ctx, "SELECT is_active FROM fga_stores WHERE id=$1 FOR UPDATE", model.StoreID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fga.ErrNotFound
	}
	if err != nil {
		return err
	}

	var lastVersion int
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM fga_authorization_models WHERE store_id=$1",
		model.StoreID).Scan(&lastVersion)
	if err != nil {
		return err
	}
	model.Version = lastVersion + 1

	_, err = tx.Exec(ctx,
		`INSERT INTO fga_authorization_models
		 (id, store_id, version, schema_json, dsl, is_valid, validation_errors, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		model.ID, model.StoreID, model.Version, model.Schema, model.DSL,
		model.IsValid, model.ValidationErrors, model.CreatedBy, model.CreatedAt)
	if err != nil {
		return err
	}

	if model.IsValid {
		_, err = tx.Exec(ctx,
			"UPDATE fga_stores SET current_model_version=$2, updated_at=now() WHERE id=$1",
			model.StoreID, model.Version)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const modelColumns = "id, store_id, version, schema_json, dsl, is_valid, validation_errors, created_by, created_at"

func scanModel(row pgx.Row) (*fga.AuthorizationModel, error) {
	model := &fga.AuthorizationModel{}
	err := row.Scan(&model.ID, &model.StoreID, &model.Version, &model.Schema, &model.DSL,
		&model.IsValid, &model.ValidationErrors, &model.CreatedBy, &model.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (s *Storage) GetModel(ctx context.Context, storeID uuid.UUID, version int) (*fga.AuthorizationModel, error) {
	var model *fga.AuthorizationModel
	err := withRetry(ctx, func() error {
		var err error
		model, err = scanModel(s.pool.QueryRow(ctx,
			"SELECT "+modelColumns+" FROM fga_authorization_models WHERE store_id=$1 AND version=$2",
			storeID, version))
		return err
	})
	return model, err
}

func (s *Storage) GetCurrentModel(ctx context.Context, storeID uuid.UUID) (*fga.AuthorizationModel, error) {
	var model *fga.AuthorizationModel
	err := withRetry(ctx, func() error {
		var active bool
		var version int
		err := s.pool.QueryRow(ctx,
			"SELECT is_active, current_model_version FROM fga_stores WHERE id=$1", storeID).
			Scan(&active, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return backoff.Permanent(fga.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !active {
			return backoff.Permanent(fga.ErrStoreInactive)
		}
		if version == 0 {
			return backoff.Permanent(fga.ErrNoModel)
		}
		model, err = scanModel(s.pool.QueryRow(ctx,
			"SELECT "+modelColumns+" FROM fga_authorization_models WHERE store_id=$1 AND version=$2",
			storeID, version))
		return err
	})
	return model, err
}

func (s *Storage) ListModels(ctx context.Context, storeID uuid.UUID) ([]*fga.AuthorizationModel, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+modelColumns+" FROM fga_authorization_models WHERE store_id=$1 ORDER BY version DESC",
		storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*fga.AuthorizationModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, rows.Err()
}

func (s *Storage) WriteTuples(ctx context.Context, storeID uuid.UUID, writes, deletes []fga.Tuple) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx, "SELECT is_active FROM fga_stores WHERE id=$1 FOR UPDATE", storeID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fga.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return fga.ErrStoreInactive
	}

	var delta int64
	for _, t := range writes {
		tag, err := tx.Exec(ctx,
			`INSERT INTO relation_tuples
			 (store_id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT DO NOTHING`,
			storeID, t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
		if err != nil {
			return err
		}
		delta += tag.RowsAffected()
	}
	for _, t := range deletes {
		tag, err := tx.Exec(ctx,
			`DELETE FROM relation_tuples
			 WHERE store_id=$1 AND object_type=$2 AND object_id=$3 AND relation=$4
			   AND subject_type=$5 AND subject_id=$6 AND subject_relation=$7`,
			storeID, t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
		if err != nil {
			return err
		}
		delta -= tag.RowsAffected()
	}
	if delta != 0 {
		_, err = tx.Exec(ctx, "UPDATE fga_stores SET tuple_count=tuple_count+$2 WHERE id=$1", storeID, delta)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Storage) ReadTuples(ctx context.Context, storeID uuid.UUID, filter fga.TupleFilter) ([]fga.Tuple, error) {
	args := []any{storeID}
	where := "store_id=$1"
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where += " AND " + column + "=$" + strconv.Itoa(len(args))
	}
	add("object_type", filter.ObjectType)
	add("object_id", filter.ObjectID)
	add("relation", filter.Relation)
	add("subject_type", filter.SubjectType)
	add("subject_id", filter.SubjectID)
	add("subject_relation", filter.SubjectRelation)

	var tuples []fga.Tuple
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT object_type, object_id, relation, subject_type, subject_id, subject_relation
			 FROM relation_tuples WHERE `+where+
				" ORDER BY object_type, object_id, relation, subject_type, subject_id, subject_relation",
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		tuples = tuples[:0]
		for rows.Next() {
			var t fga.Tuple
			err := rows.Scan(&t.ObjectType, &t.ObjectID, &t.Relation, &t.SubjectType, &t.SubjectID, &t.SubjectRelation)
			if err != nil {
				return err
			}
			tuples = append(tuples, t)
		}
		return rows.Err()
	})
	return tuples, err
}

func (s *Storage) TupleExists(ctx context.Context, storeID uuid.UUID, t fga.Tuple) (bool, error) {
	exists := false
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM relation_tuples
			   WHERE store_id=$1 AND object_type=$2 AND object_id=$3 AND relation=$4
			     AND subject_type=$5 AND subject_id=$6 AND subject_relation=$7)`,
			storeID, t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation).
			Scan(&exists)
	})
	return exists, err
}

func (s *Storage) CreateAPIKey(ctx context.Context, key *fga.APIKey, keyHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fga_store_api_keys
		 (id, store_id, name, key_prefix, key_hash, permissions, is_active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.StoreID, key.Name, key.KeyPrefix, keyHash,
		key.Permissions, key.IsActive, key.ExpiresAt, key.CreatedAt)
	return err
}

const apiKeyColumns = "id, store_id, name, key_prefix, permissions, is_active, last_used_at, expires_at, created_at"

func scanAPIKey(row pgx.Row) (*fga.APIKey, error) {
	key := &fga.APIKey{}
	err := row.Scan(&key.ID, &key.StoreID, &key.Name, &key.KeyPrefix, &key.Permissions,
		&key.IsActive, &key.LastUsedAt, &key.ExpiresAt, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Storage) ListAPIKeys(ctx context.Context, storeID uuid.UUID) ([]*fga.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+apiKeyColumns+" FROM fga_store_api_keys WHERE store_id=$1 ORDER BY created_at",
		storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*fga.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Storage) RevokeAPIKey(ctx context.Context, storeID, keyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE fga_store_api_keys SET is_active=FALSE WHERE id=$1 AND store_id=$2",
		keyID, storeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fga.ErrNotFound
	}
	return nil
}

func (s *Storage) GetAPIKeyByHash(ctx context.Context, keyHash string) (*fga.APIKey, error) {
	return scanAPIKey(s.pool.QueryRow(ctx,
		"UPDATE fga_store_api_keys SET last_used_at=now() WHERE key_hash=$1 RETURNING "+apiKeyColumns,
		keyHash))
}
