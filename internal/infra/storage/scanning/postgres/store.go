// Package postgres implements the scanning store on PostgreSQL. Conditional
// updates compare the stored (status, last_modified_date) pair inside the
// UPDATE statement itself, so the database row lock is the only arbiter
// between competing nodes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/storage"
)

var _ scanning.Store = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is the Postgres backed scanning store.
type Store struct {
	pool *pgxpool.Pool
	*repos
}

// NewStore creates a store on pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, repos: &repos{q: pool, tracer: tracer}}
}

// WithinTx runs fn in a read committed transaction. The transaction is
// rolled back if fn returns an error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos scanning.Repositories) error) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.within_tx", defaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(ctx, &repos{q: tx, tracer: s.tracer})
		})
	})
}

// repos binds the repositories to a pool or a transaction.
type repos struct {
	q      querier
	tracer trace.Tracer
}

func (r *repos) Tasks() scanning.TaskRepository                     { return &taskStore{r} }
func (r *repos) Subtasks() scanning.SubtaskRepository               { return &subtaskStore{r} }
func (r *repos) Archives() scanning.ArchiveRepository               { return &archiveStore{r} }
func (r *repos) LatestArtifacts() scanning.LatestArtifactRepository { return &latestStore{r} }
func (r *repos) FileResults() scanning.FileResultRepository         { return &fileResultStore{r} }
func (r *repos) ResultDetails() scanning.ResultDetailRepository     { return &detailStore{r} }
func (r *repos) Plans() scanning.PlanRepository                     { return &planStore{r} }

func (r *repos) trace(ctx context.Context, name string, attrs []attribute.KeyValue, op func(ctx context.Context) error) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, name, append(attrs, defaultDBAttributes...), op)
}

// tokenExpr yields a last-modified token strictly after the stored one so two
// writes within the same microsecond still invalidate each other.
const tokenExpr = "GREATEST(%s, last_modified_date + INTERVAL '1 microsecond')"

func token(param string) string { return fmt.Sprintf(tokenExpr, param) }

func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func nullableUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func fromNullableUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: ts(*t), Valid: true}
}

func fromNullableTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func credentialsKey(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, scanning.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %v: %w", what, id, err)
}
