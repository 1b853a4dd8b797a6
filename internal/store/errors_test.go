package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyPgError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConflict},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ErrConflict},
		{"check violation", &pgconn.PgError{Code: "23514"}, ErrNegativeBalance},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrAccountExists},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrUnavailable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, ErrUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, ErrUnavailable},
		{"numeric overflow", &pgconn.PgError{Code: "22003"}, ErrValueOutOfRange},
		{"invalid text representation", &pgconn.PgError{Code: "22P02"}, ErrValueOutOfRange},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyPgError(fmt.Errorf("wrapped: %w", tc.err))
			assert.ErrorIs(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestClassifyPgError_PassesThroughUnknown(t *testing.T) {
	plain := errors.New("syntax")
	assert.Equal(t, plain, classifyPgError(plain))

	undefined := &pgconn.PgError{Code: "42P01"}
	assert.Equal(t, error(undefined), classifyPgError(undefined))

	assert.Nil(t, classifyPgError(nil))
}

func TestClassifyPgError_AlreadyClassified(t *testing.T) {
	err := fmt.Errorf("%w: lock wait", ErrConflict)
	assert.Equal(t, err, classifyPgError(err))
}
