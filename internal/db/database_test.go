package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscan/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Empty(t, cfg.Database)
	assert.Empty(t, cfg.Username)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxIdleTime)
	assert.False(t, cfg.Enabled())
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "portscan"
	cfg.Username = "scanner"
	cfg.Password = "secret"

	assert.True(t, cfg.Enabled())
	assert.Equal(t, "host=localhost port=5432 dbname=portscan user=scanner password=secret sslmode=disable", cfg.dsn())
}

func TestConnect_NotConfigured(t *testing.T) {
	cfg := DefaultConfig()
	_, err := Connect(context.Background(), &cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestSanitizeDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode errors.ErrorCode
		wantMsg  string
	}{
		{"no rows", sql.ErrNoRows, errors.CodeNotFound, "Resource not found"},
		{"wrapped no rows", fmt.Errorf("get: %w", sql.ErrNoRows), errors.CodeNotFound, "Resource not found"},
		{"unique", &pq.Error{Code: "23505"}, errors.CodeConflict, "Resource already exists"},
		{"foreign key", &pq.Error{Code: "23503"}, errors.CodeValidation, "Referenced resource does not exist"},
		{"not null", &pq.Error{Code: "23502"}, errors.CodeValidation, "Required field is missing"},
		{"check", &pq.Error{Code: "23514"}, errors.CodeValidation, "Data validation failed"},
		{"canceled", &pq.Error{Code: "57014"}, errors.CodeCanceled, "Database operation was canceled"},
		{"shutdown", &pq.Error{Code: "57P01"}, errors.CodeDatabaseConnection, "Database connection lost"},
		{"connection", &pq.Error{Code: "08006"}, errors.CodeDatabaseConnection, "Database connection error"},
		{"other pq", &pq.Error{Code: "42P01"}, errors.CodeDatabaseQuery, "Database operation failed: insert scan report"},
		{"generic", fmt.Errorf("password=hunter2 refused"), errors.CodeDatabaseQuery, "Database operation failed: insert scan report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeDBError("insert scan report", tt.err)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
			assert.Equal(t, tt.wantMsg, errors.Message(err))
			assert.NotContains(t, err.Error(), "hunter2")
		})
	}

	assert.NoError(t, sanitizeDBError("noop", nil))
}
