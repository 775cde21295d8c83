package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	jsonErr := json.Unmarshal([]byte("{"), &struct{}{})
	if !errors.As(jsonErr, &syntaxErr) {
		t.Fatalf("expected json syntax error, got %T", jsonErr)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"explicit retryable", Retryable(errors.New("421 try later"), "soft_bounce"), true, "soft_bounce"},
		{"wrapped retryable", fmt.Errorf("send: %w", Retryable(errors.New("x"), "throttled")), true, "throttled"},
		{"json", fmt.Errorf("decode: %w", jsonErr), false, "json_decode_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true, "db_serialization"},
		{"pg unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true, "db_busy"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			if retryable != tt.retryable || errType != tt.errType {
				t.Fatalf("IsRetryableError(%v) = (%v, %q), want (%v, %q)",
					tt.err, retryable, errType, tt.retryable, tt.errType)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(3, 3, true) {
		t.Fatal("attempts == max must not retry")
	}
	if !ShouldRetry(2, 3, true) {
		t.Fatal("attempts < max should retry")
	}
	if ShouldRetry(0, 3, false) {
		t.Fatal("non-retryable must not retry")
	}
}
