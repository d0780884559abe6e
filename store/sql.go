package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
)

// SQLStore persists entities in SQLite through database/sql. Claims run as a
// conditional UPDATE per candidate row inside one transaction. Open the
// database with _txlock=immediate so concurrent claimers serialize instead of
// failing on lock upgrades.
type SQLStore[E any, T entityPtr[E]] struct {
	db    *sql.DB
	owner string
	opts  Options

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLStore builds a store over db owned by owner. The table is created on
// first use.
func NewSQLStore[E any, T entityPtr[E]](db *sql.DB, owner string, opts ...Option) (*SQLStore[E, T], error) {
	if db == nil {
		return nil, connector.NewError(connector.ErrStoreUnavailable, "sql store requires a database handle", nil, nil)
	}
	owner, err := validateOwner(owner)
	if err != nil {
		return nil, err
	}
	o := buildOptions("entities", opts)
	if !validIdentifier(o.Table) {
		return nil, connector.Validation(fmt.Sprintf("invalid table name %q", o.Table), nil)
	}
	return &SQLStore[E, T]{db: db, owner: owner, opts: o}, nil
}

// WithOwner returns a store over the same database under another lease owner.
func (s *SQLStore[E, T]) WithOwner(owner string) (*SQLStore[E, T], error) {
	return NewSQLStore[E, T](s.db, owner, func(o *Options) { *o = s.opts })
}

func (s *SQLStore[E, T]) Owner() string { return s.owner }

const sqlColumns = `id, state, state_count, created_at, updated_at, lease_owner, lease_at, lease_duration, document`

func (s *SQLStore[E, T]) Save(ctx context.Context, entity T) error {
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

	stmt := fmt.Sprintf(`INSERT INTO %[1]s (id, state, state_count, created_at, updated_at, lease_owner, lease_at, lease_duration, lease_expires, document)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			state_count = excluded.state_count,
			updated_at = excluded.updated_at,
			lease_owner = NULL,
			lease_at = NULL,
			lease_duration = NULL,
			lease_expires = NULL,
			document = excluded.document
		WHERE %[1]s.lease_owner IS NULL OR %[1]s.lease_expires <= ? OR %[1]s.lease_owner = ?`, s.opts.Table)
	result, err := s.db.ExecContext(ctx, stmt,
		base.ID, base.State, base.StateCount, unixNano(base.CreatedAt), unixNano(now), string(raw),
		unixNano(now), s.owner,
	)
	if err != nil {
		undo()
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		undo()
		return connector.Conflict(base.ID, "entity is leased by another owner")
	}
	return nil
}

func (s *SQLStore[E, T]) Find(ctx context.Context, id string) (T, error) {
	var zero T
	if err := s.ready(ctx); err != nil {
		return zero, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqlColumns, s.opts.Table)
	out, err := scanEntity[E, T](s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, nil
	}
	return out, err
}

func (s *SQLStore[E, T]) LeaseNextForState(ctx context.Context, state, max int) ([]T, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	lease := connector.NewLease(s.owner, now, s.opts.LeaseDuration)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	candidates := fmt.Sprintf(`SELECT id FROM %s
		WHERE state = ?
		AND (lease_owner IS NULL OR lease_expires <= ? OR lease_owner = ?)
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`, s.opts.Table)
	rows, err := tx.QueryContext(ctx, candidates, state, unixNano(now), s.owner, max)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, max)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	claim := fmt.Sprintf(`UPDATE %s
		SET lease_owner = ?, lease_at = ?, lease_duration = ?, lease_expires = ?
		WHERE id = ? AND state = ?
		AND (lease_owner IS NULL OR lease_expires <= ? OR lease_owner = ?)`, s.opts.Table)
	load := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqlColumns, s.opts.Table)

	claimed := make([]T, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, claim,
			lease.LeasedBy, unixNano(lease.LeasedAt), lease.LeaseDuration.Milliseconds(), unixNano(lease.ExpiresAt()),
			id, state, unixNano(now), s.owner,
		)
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			continue
		}
		entity, err := scanEntity[E, T](tx.QueryRowContext(ctx, load, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entity)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLStore[E, T]) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	current, err := s.Find(ctx, id)
	if err != nil {
		return err
	}
	if isNil(current) {
		return nil
	}
	now := s.opts.now()
	if current.Stateful().IsLeasedByOther(s.owner, now) {
		return connector.Conflict(current.Stateful().ID, "entity is leased by "+current.Stateful().Lease.LeasedBy)
	}
	if err := s.opts.runGuards(ctx, current); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?
		AND (lease_owner IS NULL OR lease_expires <= ? OR lease_owner = ?)`, s.opts.Table)
	result, err := s.db.ExecContext(ctx, stmt, current.Stateful().ID, unixNano(now), s.owner)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
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

func (s *SQLStore[E, T]) Query(ctx context.Context, spec query.Spec) (iter.Seq2[T, error], error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	plan := planSQL(spec, sqliteDialect)
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s`, sqlColumns, s.opts.Table, whereClause(plan.where), plan.orderBy)
	args := plan.args
	if plan.paged {
		limit := int64(spec.Limit)
		if limit <= 0 {
			limit = -1
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, spec.Offset)
	}

	if plan.paged {
		return func(yield func(T, error) bool) {
			rows, err := s.db.QueryContext(ctx, q, args...)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			defer rows.Close()
			for rows.Next() {
				entity, err := scanEntity[E, T](rows)
				if !yield(entity, err) || err != nil {
					return
				}
			}
			if err := rows.Err(); err != nil {
				var zero T
				yield(zero, err)
			}
		}, nil
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []T
	for rows.Next() {
		entity, err := scanEntity[E, T](rows)
		if err != nil {
			return nil, err
		}
		all = append(all, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	residual := query.Spec{Filter: plan.residual, SortField: spec.SortField, SortOrder: spec.SortOrder, Offset: spec.Offset, Limit: spec.Limit}
	matched, err := query.Evaluate(all, residual, toDocument[T])
	if err != nil {
		return nil, err
	}
	return sliceSeq(matched), nil
}

func (s *SQLStore[E, T]) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return connector.NewError(connector.ErrStoreUnavailable, "sql store not configured", nil, nil)
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *SQLStore[E, T]) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			state INTEGER NOT NULL,
			state_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT,
			lease_at INTEGER,
			lease_duration INTEGER,
			lease_expires INTEGER,
			document TEXT NOT NULL
		)`, s.opts.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_state_idx ON %[1]s (state, updated_at)`, s.opts.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_lease_idx ON %[1]s (lease_expires)`, s.opts.Table),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %s: %w", s.opts.Table, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity[E any, T entityPtr[E]](row rowScanner) (T, error) {
	var (
		meta                     rowMeta
		createdAt, updatedAt     int64
		leaseOwner               sql.NullString
		leaseAt, leaseDurationMS sql.NullInt64
		document                 string
	)
	if err := row.Scan(&meta.ID, &meta.State, &meta.StateCount, &createdAt, &updatedAt,
		&leaseOwner, &leaseAt, &leaseDurationMS, &document); err != nil {
		var zero T
		return zero, err
	}
	meta.CreatedAt = fromUnixNano(createdAt)
	meta.UpdatedAt = fromUnixNano(updatedAt)
	if leaseOwner.Valid {
		meta.LeaseOwner = leaseOwner.String
		meta.LeaseAt = fromUnixNano(leaseAt.Int64)
		meta.LeaseDuration = time.Duration(leaseDurationMS.Int64) * time.Millisecond
	}
	return decode[E, T]([]byte(document), meta)
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
