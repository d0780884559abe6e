package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
)

// NewPool constructs a pgx connection pool from a connection string.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// PostgresStore persists entities in PostgreSQL. Claims are one UPDATE over a
// FOR UPDATE SKIP LOCKED candidate subquery so concurrent instances never
// block each other on the same rows.
type PostgresStore[E any, T entityPtr[E]] struct {
	pool  *pgxpool.Pool
	owner string
	opts  Options

	schemaOnce sync.Once
	schemaErr  error
}

// NewPostgresStore builds a store over pool owned by owner.
func NewPostgresStore[E any, T entityPtr[E]](pool *pgxpool.Pool, owner string, opts ...Option) (*PostgresStore[E, T], error) {
	if pool == nil {
		return nil, connector.NewError(connector.ErrStoreUnavailable, "postgres store requires a pool", nil, nil)
	}
	owner, err := validateOwner(owner)
	if err != nil {
		return nil, err
	}
	o := buildOptions("entities", opts)
	if !validIdentifier(o.Table) {
		return nil, connector.Validation(fmt.Sprintf("invalid table name %q", o.Table), nil)
	}
	return &PostgresStore[E, T]{pool: pool, owner: owner, opts: o}, nil
}

// WithOwner returns a store over the same pool under another lease owner.
func (s *PostgresStore[E, T]) WithOwner(owner string) (*PostgresStore[E, T], error) {
	return NewPostgresStore[E, T](s.pool, owner, func(o *Options) { *o = s.opts })
}

func (s *PostgresStore[E, T]) Owner() string { return s.owner }

const pgClaimable = `(lease_owner IS NULL OR lease_expires <= $%d OR lease_owner = $%d)`

func (s *PostgresStore[E, T]) Save(ctx context.Context, entity T) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	base, err := validateEntity(entity)
	if err != nil {
		return err
	}
	now := s.opts.now()
	raw, undo, err := prepareSave(base, entity, now)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %[1]s AS t (id, state, state_count, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			state_count = EXCLUDED.state_count,
			updated_at = EXCLUDED.updated_at,
			lease_owner = NULL,
			lease_at = NULL,
			lease_duration = NULL,
			lease_expires = NULL,
			document = EXCLUDED.document
		WHERE t.lease_owner IS NULL OR t.lease_expires <= $7 OR t.lease_owner = $8`, s.opts.Table)
	tag, err := s.pool.Exec(ctx, stmt,
		base.ID, base.State, base.StateCount, unixNano(base.CreatedAt), unixNano(now), raw,
		unixNano(now), s.owner,
	)
	if err != nil {
		undo()
		return fmt.Errorf("postgres: save %s: %w", base.ID, err)
	}
	if tag.RowsAffected() == 0 {
		undo()
		return connector.Conflict(base.ID, "entity is leased by another owner")
	}
	return nil
}

func (s *PostgresStore[E, T]) Find(ctx context.Context, id string) (T, error) {
	var zero T
	if err := s.ready(ctx); err != nil {
		return zero, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sqlColumns, s.opts.Table)
	out, err := scanPgEntity[E, T](s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, nil
	}
	return out, err
}

func (s *PostgresStore[E, T]) LeaseNextForState(ctx context.Context, state, max int) ([]T, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	lease := connector.NewLease(s.owner, now, s.opts.LeaseDuration)

	stmt := fmt.Sprintf(`UPDATE %[1]s
		SET lease_owner = $1, lease_at = $2, lease_duration = $3, lease_expires = $4
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state = $5 AND `+fmt.Sprintf(pgClaimable, 2, 1)+`
			ORDER BY updated_at ASC, id ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, s.opts.Table, sqlColumns)
	rows, err := s.pool.Query(ctx, stmt,
		lease.LeasedBy, unixNano(lease.LeasedAt), lease.LeaseDuration.Milliseconds(), unixNano(lease.ExpiresAt()),
		state, max,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: lease state %d: %w", state, err)
	}
	defer rows.Close()

	claimed := make([]T, 0, max)
	for rows.Next() {
		entity, err := scanPgEntity[E, T](rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOldestFirst(claimed)
	return claimed, nil
}

func (s *PostgresStore[E, T]) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	current, err := s.Find(ctx, id)
	if err != nil || isNil(current) {
		return err
	}
	now := s.opts.now()
	if current.Stateful().IsLeasedByOther(s.owner, now) {
		return connector.Conflict(current.Stateful().ID, "entity is leased by "+current.Stateful().Lease.LeasedBy)
	}
	if err := s.opts.runGuards(ctx, current); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND `+fmt.Sprintf(pgClaimable, 2, 3), s.opts.Table)
	tag, err := s.pool.Exec(ctx, stmt, current.Stateful().ID, unixNano(now), s.owner)
	if err != nil {
		return fmt.Errorf("postgres: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		again, err := s.Find(ctx, id)
		if err != nil {
			return err
		}
		if !isNil(again) {
			return connector.Conflict(current.Stateful().ID, "entity was leased concurrently")
		}
	}
	return nil
}

func (s *PostgresStore[E, T]) Query(ctx context.Context, spec query.Spec) (iter.Seq2[T, error], error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	plan := planSQL(spec, postgresDialect)
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s`, sqlColumns, s.opts.Table, whereClause(plan.where), plan.orderBy)
	args := plan.args
	if plan.paged {
		if spec.Limit > 0 {
			args = append(args, spec.Limit)
			q += fmt.Sprintf(` LIMIT $%d`, len(args))
		}
		args = append(args, spec.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()
	var all []T
	for rows.Next() {
		entity, err := scanPgEntity[E, T](rows)
		if err != nil {
			return nil, err
		}
		all = append(all, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if plan.paged {
		return sliceSeq(all), nil
	}
	residual := query.Spec{Filter: plan.residual, SortField: spec.SortField, SortOrder: spec.SortOrder, Offset: spec.Offset, Limit: spec.Limit}
	matched, err := query.Evaluate(all, residual, toDocument[T])
	if err != nil {
		return nil, err
	}
	return sliceSeq(matched), nil
}

func (s *PostgresStore[E, T]) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return connector.NewError(connector.ErrStoreUnavailable, "postgres store not configured", nil, nil)
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *PostgresStore[E, T]) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			state INTEGER NOT NULL,
			state_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT,
			lease_at BIGINT,
			lease_duration BIGINT,
			lease_expires BIGINT,
			document JSONB NOT NULL
		)`, s.opts.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_state_idx ON %[1]s (state, updated_at)`, s.opts.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_lease_idx ON %[1]s (lease_expires)`, s.opts.Table),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema %s: %w", s.opts.Table, err)
		}
	}
	return nil
}

func scanPgEntity[E any, T entityPtr[E]](row pgx.Row) (T, error) {
	var (
		meta                 rowMeta
		createdAt, updatedAt int64
		leaseOwner           *string
		leaseAt, leaseMS     *int64
		document             []byte
	)
	if err := row.Scan(&meta.ID, &meta.State, &meta.StateCount, &createdAt, &updatedAt,
		&leaseOwner, &leaseAt, &leaseMS, &document); err != nil {
		var zero T
		return zero, err
	}
	meta.CreatedAt = fromUnixNano(createdAt)
	meta.UpdatedAt = fromUnixNano(updatedAt)
	if leaseOwner != nil {
		meta.LeaseOwner = *leaseOwner
		if leaseAt != nil {
			meta.LeaseAt = fromUnixNano(*leaseAt)
		}
		if leaseMS != nil {
			meta.LeaseDuration = time.Duration(*leaseMS) * time.Millisecond
		}
	}
	return decode[E, T](document, meta)
}
