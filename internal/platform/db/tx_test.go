package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"40001", shared.ErrConflict},
		{"40P01", shared.ErrConflict},
		{"23503", shared.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tc.code, ConstraintName: "goods_receipt_lines_stock_in_id_fkey"}))
			require.ErrorIs(t, err, tc.want)
		})
	}

	var verr *shared.ValidationError
	err := classify(&pgconn.PgError{Code: "23503", ConstraintName: "stock_returns_stock_in_id_fkey"})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "stock_returns_stock_in_id_fkey", verr.Field)

	plain := errors.New("boom")
	require.Same(t, plain, classify(plain))
}

func TestAfterCommitQueuesInsideUnitOfWork(t *testing.T) {
	var ran []string
	AfterCommit(context.Background(), func() { ran = append(ran, "direct") })
	require.Equal(t, []string{"direct"}, ran)

	hooks := &commitHooks{}
	ctx := context.WithValue(context.Background(), hooksKey{}, hooks)
	AfterCommit(ctx, func() { ran = append(ran, "queued") })
	require.Equal(t, []string{"direct"}, ran)
	require.Len(t, hooks.fns, 1)
	hooks.fns[0]()
	require.Equal(t, []string{"direct", "queued"}, ran)
}
