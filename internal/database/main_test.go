package database

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/chatsync/internal/config"
)

// TestMain loads the test-specific environment from .env.test.
func TestMain(m *testing.M) {
	if err := godotenv.Load("../../.env.test"); err != nil {
		log.Println("Warning: .env.test file not found, relying on environment variables.")
	}
	os.Exit(m.Run())
}

// setupTestDB connects to the database named by SURREAL_* or skips the test.
func setupTestDB(t *testing.T) (*Connection, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cfg, err := config.New()
	if err != nil || cfg.DB.URL == "" {
		t.Skip("SURREAL_URL not configured")
	}

	conn := NewConnection(cfg.DB)
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to test database")

	return conn, func() {
		_ = conn.WithConnection(context.Background(), func(db *surrealdb.DB) error {
			return Execute(context.Background(), db, "DELETE message", nil)
		})
		_ = conn.Close(context.Background())
	}
}
