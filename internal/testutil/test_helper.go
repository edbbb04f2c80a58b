// Package testutil prepares a Postgres database for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/swipehire/matchchat/sql/schema"
)

func ProjectRoot() string {
	_, file, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(file), "../../")
	return root
}

// DbInit connects to TEST_DB_URL and resets the schema to the latest
// migration. The test is skipped when TEST_DB_URL is not set. The schema is
// torn down again when the test finishes.
func DbInit(t *testing.T) *pgxpool.Pool {
	t.Helper()

	_ = godotenv.Load(filepath.Join(ProjectRoot(), ".env"))

	testURL := os.Getenv("TEST_DB_URL")
	if testURL == "" {
		t.Skip("TEST_DB_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.New(ctx, testURL)
	if err != nil {
		t.Fatalf("could not connect to the postgresql database: %v", err)
	}

	dbForGoose := stdlib.OpenDBFromPool(dbPool)
	gooseReset(t, dbForGoose)
	if err := goose.Up(dbForGoose, "."); err != nil {
		t.Fatalf("goose.Up() error = %+v", err)
	}

	t.Cleanup(func() {
		gooseReset(t, dbForGoose)
		if err := dbForGoose.Close(); err != nil {
			t.Errorf("db.Close() error = %+v", err)
		}
		dbPool.Close()
	})

	return dbPool
}

func gooseReset(t *testing.T, db *sql.DB) {
	t.Helper()

	goose.SetBaseFS(schema.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("goose.SetDialect() error = %+v", err)
	}
	if err := goose.Reset(db, "."); err != nil {
		t.Fatalf("goose.Reset() error = %+v", err)
	}
}
