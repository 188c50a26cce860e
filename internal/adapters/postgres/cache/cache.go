package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	"github.com/flowkit/queryserver/common/mpostgres"
)

// Repository is a Postgres-specific implementation of the C4 cache
// contract (spec.md §4.4), grounded in the teacher's squirrel-based
// ledger repositories (components/ledger/internal/adapters/postgres).
type Repository struct {
	connection *mpostgres.PostgresConnection
	logger     mlog.Logger
	builder    sq.StatementBuilderType
}

// NewRepository returns a Repository using the given Postgres connection.
func NewRepository(pc *mpostgres.PostgresConnection, logger mlog.Logger) *Repository {
	return &Repository{
		connection: pc,
		logger:     logger,
		builder:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// IsCompleted reports whether id's cache record already points at a
// materialised relation (spec.md §3 invariant 2), implementing
// graph.StoredChecker.
func (r *Repository) IsCompleted(ctx context.Context, id string) (bool, error) {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cache.is_completed")
	defer span.End()

	db, err := r.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return false, err
	}

	query, args, err := r.builder.
		Select("1").
		From("cache.cached").
		Where(sq.Eq{"query_id": id}).
		Where(sq.NotEq{"schema": nil}).
		Where(sq.NotEq{"tablename": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("cache: build is_completed query: %w", err)
	}

	var one int

	err = db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to query is_completed", err)
		return false, err
	}

	return true, nil
}

// Lookup returns id's record, or nil if absent (spec.md §4.4 "lookup").
func (r *Repository) Lookup(ctx context.Context, id string) (*Record, error) {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cache.lookup")
	defer span.End()

	db, err := r.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return nil, err
	}

	query, args, err := r.builder.
		Select("query_id", "class", "query", "created", "access_count", "last_accessed",
			"compute_time", "cache_score_multiplier", "schema", "tablename", "obj").
		From("cache.cached").
		Where(sq.Eq{"query_id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("cache: build lookup query: %w", err)
	}

	rec := &Record{}

	var (
		schema, tableName sql.NullString
		multiplier        sql.NullFloat64
		obj               []byte
	)

	row := db.QueryRowContext(ctx, query, args...)

	err = row.Scan(&rec.QueryID, &rec.QueryKind, &rec.Spec, &rec.CreatedAt, &rec.AccessCount,
		&rec.LastAccessedAt, &rec.ComputeTimeMS, &multiplier, &schema, &tableName, &obj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absence is a valid, non-error outcome (spec.md §4.4 "None")
	}

	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to scan cached row", err)
		return nil, err
	}

	rec.Schema = schema.String
	rec.TableName = tableName.String
	rec.Obj = obj

	if multiplier.Valid {
		v := multiplier.Float64
		rec.CacheScoreMultiplier = &v
	}

	deps, err := r.dependenciesOf(ctx, db, id)
	if err != nil {
		return nil, err
	}

	rec.Dependencies = deps

	return rec, nil
}

func (r *Repository) dependenciesOf(ctx context.Context, db interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, id string) ([]string, error) {
	query, args, err := r.builder.
		Select("depends_on").
		From("cache.dependencies").
		Where(sq.Eq{"query_id": id}).
		OrderBy("depends_on").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("cache: build dependencies query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query dependencies of %s: %w", id, err)
	}
	defer rows.Close()

	var deps []string

	for rows.Next() {
		var d string

		if err := rows.Scan(&d); err != nil {
			return nil, err
		}

		deps = append(deps, d)
	}

	return deps, rows.Err()
}

// Reserve creates id's record in an un-materialised state if absent
// (schema/tablename left NULL), and records its dependency edges. No-op if
// the record already exists (spec.md §4.4 "reserve... Atomic").
func (r *Repository) Reserve(ctx context.Context, id, kind, specJSON string, deps []string, scoreMultiplier *float64) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cache.reserve")
	defer span.End()

	db, err := r.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	query, args, err := r.builder.
		Insert("cache.cached").
		Columns("query_id", "class", "query", "created", "access_count", "last_accessed",
			"compute_time", "cache_score_multiplier").
		Values(id, kind, specJSON, sq.Expr("now()"), 0, sq.Expr("now()"), 0, scoreMultiplier).
		Suffix("ON CONFLICT (query_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("cache: build reserve query: %w", err)
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to reserve cache record", err)
		return err
	}

	for _, dep := range deps {
		depQuery, depArgs, err := r.builder.
			Insert("cache.dependencies").
			Columns("query_id", "depends_on").
			Values(id, dep).
			Suffix("ON CONFLICT (query_id, depends_on) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("cache: build dependency edge query: %w", err)
		}

		if _, err := db.ExecContext(ctx, depQuery, depArgs...); err != nil {
			mopentelemetry.HandleSpanError(&span, "failed to reserve dependency edge", err)
			return err
		}
	}

	return nil
}

// Commit transitions id to completed: sets schema/table and the
// compute-time that StateMachine.Finish commits atomically with the
// in-memory transition (spec.md §4.4 "commit").
func (r *Repository) Commit(ctx context.Context, id, schema, table string, computeTimeMS int64) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cache.commit")
	defer span.End()

	db, err := r.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	query, args, err := r.builder.
		Update("cache.cached").
		Set("schema", schema).
		Set("tablename", table).
		Set("compute_time", computeTimeMS).
		Where(sq.Eq{"query_id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("cache: build commit query: %w", err)
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to commit cache record", err)
		return err
	}

	return nil
}

// Touch increments access_count and bumps last_accessed (spec.md §3
// invariant 4, §4.4 "touch").
func (r *Repository) Touch(ctx context.Context, id string) error {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return err
	}

	query, args, err := r.builder.
		Update("cache.cached").
		Set("access_count", sq.Expr("access_count + 1")).
		Set("last_accessed", sq.Expr("now()")).
		Where(sq.Eq{"query_id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("cache: build touch query: %w", err)
	}

	_, err = db.ExecContext(ctx, query, args...)

	return err
}

// Score computes the cache score (spec.md §4.4 "cache scoring"):
//
//	score = cache_score_multiplier * compute_time_ms * (1+access_count) * exp(-lambda * age_seconds)
//
// lambda is derived from the deployment's cache_half_life configuration:
// lambda = ln(2) / half_life_seconds.
func Score(multiplier float64, computeTimeMS, accessCount int64, lastAccessedAt time.Time, halfLifeSeconds float64) float64 {
	if halfLifeSeconds <= 0 {
		halfLifeSeconds = 1
	}

	lambda := math.Ln2 / halfLifeSeconds
	age := time.Since(lastAccessedAt).Seconds()

	return multiplier * float64(computeTimeMS) * float64(1+accessCount) * math.Exp(-lambda*age)
}

// scoredRecord pairs an id with its cache score for eviction ordering.
type scoredRecord struct {
	id    string
	score float64
}

// CandidatesForEviction returns ids with cache_score_multiplier > 0,
// ascending by score (spec.md §4.4): 0-multiplier records are never
// candidates.
func (r *Repository) CandidatesForEviction(ctx context.Context, policyDefaultMultiplier, halfLifeSeconds float64) ([]string, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query, args, err := r.builder.
		Select("query_id", "access_count", "last_accessed", "compute_time", "cache_score_multiplier").
		From("cache.cached").
		Where(sq.NotEq{"schema": nil}).
		Where(sq.NotEq{"tablename": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("cache: build candidates query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query eviction candidates: %w", err)
	}
	defer rows.Close()

	var scored []scoredRecord

	for rows.Next() {
		var (
			id                  string
			accessCount         int64
			lastAccessed        time.Time
			computeTime         int64
			multiplierNullable  sql.NullFloat64
		)

		if err := rows.Scan(&id, &accessCount, &lastAccessed, &computeTime, &multiplierNullable); err != nil {
			return nil, err
		}

		// Open Question (b), decided in DESIGN.md: a user multiplier
		// multiplies the policy default rather than replacing it.
		multiplier := policyDefaultMultiplier
		if multiplierNullable.Valid {
			multiplier *= multiplierNullable.Float64
		}

		if multiplier <= 0 {
			continue
		}

		scored = append(scored, scoredRecord{
			id:    id,
			score: Score(multiplier, computeTime, accessCount, lastAccessed, halfLifeSeconds),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score < scored[j].score })

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.id
	}

	return ids, nil
}

// Evict drops the materialised relation and deletes the record and its
// outbound dependency edges (spec.md §4.4 "evict"). Edges pointing TO id
// from other still-live records are untouched, per §3 invariant 5.
func (r *Repository) Evict(ctx context.Context, id string) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cache.evict")
	defer span.End()

	db, err := r.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	rec, err := r.Lookup(ctx, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return nil
	}

	if rec.Schema != "" && rec.TableName != "" {
		drop := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", sqlIdent(rec.Schema), sqlIdent(rec.TableName))
		if _, err := db.ExecContext(ctx, drop); err != nil {
			mopentelemetry.HandleSpanError(&span, "failed to drop materialised relation", err)
			return err
		}
	}

	delDeps, args, err := r.builder.Delete("cache.dependencies").Where(sq.Eq{"query_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("cache: build delete dependencies query: %w", err)
	}

	if _, err := db.ExecContext(ctx, delDeps, args...); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to delete dependency edges", err)
		return err
	}

	delRec, args, err := r.builder.Delete("cache.cached").Where(sq.Eq{"query_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("cache: build delete cached row query: %w", err)
	}

	if _, err := db.ExecContext(ctx, delRec, args...); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to delete cached row", err)
		return err
	}

	return nil
}

// EnforceBudget evicts the lowest-scoring candidate not present in
// liveDependencyIDs until total materialised bytes falls within maxBytes
// (spec.md §4.4 "enforce_budget", §3 invariant 5).
func (r *Repository) EnforceBudget(ctx context.Context, maxBytes int64, policyDefaultMultiplier, halfLifeSeconds float64, liveDependencyIDs map[string]bool) error {
	for {
		total, err := r.totalMaterializedBytes(ctx)
		if err != nil {
			return err
		}

		if total <= maxBytes {
			return nil
		}

		candidates, err := r.CandidatesForEviction(ctx, policyDefaultMultiplier, halfLifeSeconds)
		if err != nil {
			return err
		}

		evicted := false

		for _, id := range candidates {
			if liveDependencyIDs[id] {
				continue
			}

			if err := r.Evict(ctx, id); err != nil {
				return err
			}

			evicted = true

			break
		}

		if !evicted {
			// Nothing left that is both a candidate and not in a live
			// dependency closure: budget cannot be enforced further.
			return nil
		}
	}
}

func (r *Repository) totalMaterializedBytes(ctx context.Context) (int64, error) {
	db, err := r.connection.GetDB(ctx)
	if err != nil {
		return 0, err
	}

	const q = `
		SELECT COALESCE(SUM(pg_total_relation_size(format('%I.%I', schema, tablename))), 0)
		FROM cache.cached
		WHERE schema IS NOT NULL AND tablename IS NOT NULL`

	var total int64

	if err := db.QueryRowContext(ctx, q).Scan(&total); err != nil {
		return 0, fmt.Errorf("cache: total materialized bytes: %w", err)
	}

	return total, nil
}

// sqlIdent quote-escapes a Postgres identifier built from trusted internal
// schema/table names (never user input: both originate from kind.Build,
// not request params).
func sqlIdent(ident string) string {
	return `"` + ident + `"`
}
