// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote implements remote.Remote on top of PostgreSQL. Every table
// is expected to carry id, created_at, updated_at, is_deleted and deleted_at
// columns, see the bundled migrations.
package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// Querier is the subset of pgxpool.Pool used by Remote.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Remote stores rows in PostgreSQL tables.
type Remote struct {
	q       Querier
	tables  map[string]bool
	builder sq.StatementBuilderType
	logger  *slog.Logger
}

var _ remote.Remote = (*Remote)(nil)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// immutable columns never rewritten by Update.
var immutable = map[string]bool{"id": true, "created_at": true}

// New creates a Remote limited to tables. An empty list allows any table
// with a valid identifier name.
func New(q Querier, tables []string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &Remote{
		q:       q,
		tables:  allowed,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger:  logger,
	}
}

func (r *Remote) checkTable(table string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("pgremote: invalid table name %q", table)
	}
	if len(r.tables) > 0 && !r.tables[table] {
		return fmt.Errorf("pgremote: table %q is not registered", table)
	}
	return nil
}

// columns returns the sorted column names of row, rejecting anything that is
// not a plain identifier.
func columns(row remote.Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		if !identRe.MatchString(k) {
			return nil, fmt.Errorf("pgremote: invalid column name %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

// columnValue converts JSON-ish values to something pgx can encode.
func columnValue(v any) any {
	switch t := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}

func (r *Remote) Insert(ctx context.Context, table string, row remote.Row) (string, error) {
	if err := r.checkTable(table); err != nil {
		return "", err
	}
	cols, err := columns(row)
	if err != nil {
		return "", err
	}
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = columnValue(row[c])
	}

	query, args, err := r.builder.
		Insert(table).
		Columns(cols...).
		Values(vals...).
		Suffix("RETURNING id::text").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert %s: %w", table, err)
	}

	var id string
	if err := r.q.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", mapError(err, table, row.ID())
	}
	r.logger.Debug("Inserted remote row", "table", table, "id", id)
	return id, nil
}

func (r *Remote) Fetch(ctx context.Context, table, id string) (remote.Row, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	query, args, err := r.builder.
		Select("row_to_json(t)").
		From(table + " t").
		Where(sq.Eq{"t.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch %s: %w", table, err)
	}

	var raw []byte
	if err := r.q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, mapError(err, table, id)
	}
	row := remote.Row{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return row, nil
}

func (r *Remote) Update(ctx context.Context, table, id string, row remote.Row) error {
	if err := r.checkTable(table); err != nil {
		return err
	}
	cols, err := columns(row)
	if err != nil {
		return err
	}

	b := r.builder.Update(table)
	stamped := false
	for _, c := range cols {
		if immutable[c] {
			continue
		}
		if c == "updated_at" {
			stamped = true
		}
		b = b.Set(c, columnValue(row[c]))
	}
	if !stamped {
		b = b.Set("updated_at", sq.Expr("now()"))
	}
	return r.exec(ctx, b.Where(sq.Eq{"id": id}), table, id)
}

func (r *Remote) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	if err := r.checkTable(table); err != nil {
		return err
	}
	b := r.builder.Update(table).
		Set("is_deleted", true).
		Set("deleted_at", deletedAt.UTC()).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id})
	return r.exec(ctx, b, table, id)
}

func (r *Remote) Restore(ctx context.Context, table, id string) error {
	if err := r.checkTable(table); err != nil {
		return err
	}
	b := r.builder.Update(table).
		Set("is_deleted", false).
		Set("deleted_at", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id})
	return r.exec(ctx, b, table, id)
}

func (r *Remote) exec(ctx context.Context, b sq.UpdateBuilder, table, id string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build update %s: %w", table, err)
	}
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, table, id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", table, id, remote.ErrNotFound)
	}
	return nil
}

// mapError converts PostgreSQL errors to remote sentinels.
func mapError(err error, table, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, remote.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w: %s", table, id, remote.ErrUniqueViolation, pgErr.ConstraintName)
		case "22P02": // invalid_text_representation, e.g. a non-uuid id
			return fmt.Errorf("%s %s: %w", table, id, remote.ErrNotFound)
		}
		if isRetryable(pgErr) {
			return fmt.Errorf("%s %s: %w: %s", table, id, remote.ErrTransient, pgErr.Message)
		}
		return fmt.Errorf("%s %s: %w", table, id, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%s %s: %w: %v", table, id, remote.ErrTransient, err)
	}
	return fmt.Errorf("%s %s: %w", table, id, err)
}

func isRetryable(pgErr *pgconn.PgError) bool {
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57P01": // admin_shutdown
		return true
	}
	return strings.HasPrefix(pgErr.Code, "08") // connection_exception class
}
