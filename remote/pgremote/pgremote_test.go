// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

func newMockRemote(t *testing.T) (*Remote, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, Tables, nil), mock
}

func TestRemote_Insert(t *testing.T) {
	tests := []struct {
		name    string
		row     remote.Row
		setup   func(mock pgxmock.PgxPoolIface)
		wantID  string
		wantErr error
	}{
		{
			name: "returns assigned id",
			row:  remote.Row{"name": "Shirt", "price": 12.5},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO products \(name,price\) VALUES \(\$1,\$2\) RETURNING id::text`).
					WithArgs("Shirt", 12.5).
					WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("2f1c"))
			},
			wantID: "2f1c",
		},
		{
			name: "unique violation",
			row:  remote.Row{"name": "Shirt", "sku": "S-1"},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO products`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ux_products_owner_sku"})
			},
			wantErr: remote.ErrUniqueViolation,
		},
		{
			name: "serialization failure is transient",
			row:  remote.Row{"name": "Shirt"},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO products`).
					WithArgs(pgxmock.AnyArg()).
					WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
			},
			wantErr: remote.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock := newMockRemote(t)
			tt.setup(mock)

			id, err := r.Insert(context.Background(), "products", tt.row)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRemote_InsertEncodesNestedValuesAsJSON(t *testing.T) {
	r, mock := newMockRemote(t)
	mock.ExpectQuery(`INSERT INTO sales`).
		WithArgs(`{"note":"gift"}`, 30.0).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s-1"))

	id, err := r.Insert(context.Background(), "sales", remote.Row{"meta": map[string]any{"note": "gift"}, "total": 30.0})
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemote_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
		check   func(t *testing.T, row remote.Row)
	}{
		{
			name: "decodes row",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT row_to_json\(t\) FROM products t WHERE t.id = \$1`).
					WithArgs("p-1").
					WillReturnRows(pgxmock.NewRows([]string{"row_to_json"}).
						AddRow([]byte(`{"id":"p-1","name":"Shirt","price":12.5,"updated_at":"2025-03-01T10:00:00+00:00"}`)))
			},
			check: func(t *testing.T, row remote.Row) {
				assert.Equal(t, "p-1", row.ID())
				assert.Equal(t, "Shirt", row["name"])
				assert.True(t, row.UpdatedAt().Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
			},
		},
		{
			name: "no rows",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT row_to_json`).
					WithArgs("p-1").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: remote.ErrNotFound,
		},
		{
			name: "malformed id",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT row_to_json`).
					WithArgs("p-1").
					WillReturnError(&pgconn.PgError{Code: "22P02"})
			},
			wantErr: remote.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock := newMockRemote(t)
			tt.setup(mock)

			row, err := r.Fetch(context.Background(), "products", "p-1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				tt.check(t, row)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRemote_Update(t *testing.T) {
	t.Run("skips immutable columns and stamps updated_at", func(t *testing.T) {
		r, mock := newMockRemote(t)
		mock.ExpectExec(`UPDATE products SET name = \$1, price = \$2, updated_at = now\(\) WHERE id = \$3`).
			WithArgs("Shirt", 15.0, "p-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := r.Update(context.Background(), "products", "p-1",
			remote.Row{"id": "p-1", "created_at": "2025-01-01T00:00:00Z", "name": "Shirt", "price": 15.0})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("keeps explicit updated_at", func(t *testing.T) {
		r, mock := newMockRemote(t)
		mock.ExpectExec(`UPDATE products SET name = \$1, updated_at = \$2 WHERE id = \$3`).
			WithArgs("Shirt", "2025-03-01T10:00:00Z", "p-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := r.Update(context.Background(), "products", "p-1",
			remote.Row{"name": "Shirt", "updated_at": "2025-03-01T10:00:00Z"})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows is not found", func(t *testing.T) {
		r, mock := newMockRemote(t)
		mock.ExpectExec(`UPDATE products`).
			WithArgs("Shirt", "p-9").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := r.Update(context.Background(), "products", "p-9", remote.Row{"name": "Shirt"})
		require.ErrorIs(t, err, remote.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRemote_SoftDeleteAndRestore(t *testing.T) {
	deletedAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		call    func(r *Remote) error
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "soft delete",
			call: func(r *Remote) error {
				return r.SoftDelete(context.Background(), "sales", "s-1", deletedAt)
			},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE sales SET is_deleted = \$1, deleted_at = \$2, updated_at = now\(\) WHERE id = \$3`).
					WithArgs(true, deletedAt, "s-1").
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "soft delete of missing row",
			call: func(r *Remote) error {
				return r.SoftDelete(context.Background(), "sales", "s-1", deletedAt)
			},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE sales`).
					WithArgs(true, deletedAt, "s-1").
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			},
			wantErr: remote.ErrNotFound,
		},
		{
			name: "restore",
			call: func(r *Remote) error {
				return r.Restore(context.Background(), "sales", "s-1")
			},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE sales SET is_deleted = \$1, deleted_at = \$2, updated_at = now\(\) WHERE id = \$3`).
					WithArgs(false, pgxmock.AnyArg(), "s-1").
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "deadlock is transient",
			call: func(r *Remote) error {
				return r.Restore(context.Background(), "sales", "s-1")
			},
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE sales`).
					WithArgs(false, pgxmock.AnyArg(), "s-1").
					WillReturnError(&pgconn.PgError{Code: "40P01"})
			},
			wantErr: remote.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock := newMockRemote(t)
			tt.setup(mock)

			err := tt.call(r)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRemote_RejectsUnsafeNames(t *testing.T) {
	r, mock := newMockRemote(t)
	ctx := context.Background()

	_, err := r.Insert(ctx, "users", remote.Row{"name": "x"})
	require.Error(t, err)

	_, err = r.Insert(ctx, "products; DROP TABLE sales", remote.Row{"name": "x"})
	require.Error(t, err)

	_, err = r.Insert(ctx, "products", remote.Row{"name = 1; --": "x"})
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(context.Canceled, "sales", "s-1"), context.Canceled)
	assert.Nil(t, mapError(nil, "sales", "s-1"))

	other := errors.New("boom")
	err := mapError(other, "sales", "s-1")
	assert.ErrorIs(t, err, other)
	assert.False(t, remote.IsTransient(err))

	err = mapError(&pgconn.PgError{Code: "08006"}, "sales", "s-1")
	assert.True(t, remote.IsTransient(err))

	err = mapError(&pgconn.PgError{Code: "23503"}, "sales", "s-1")
	assert.False(t, errors.Is(err, remote.ErrNotFound))
}
