package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

// These tests are integration tests and require a running MongoDB instance.
// Set MONGODB_URI in the environment before running them.

func TestNewAndCreateIndexes(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := New(ctx, uri, "chat_test")
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	defer func() {
		// drop the testing collection and close connection
		_ = c.db.Collection("messages").Drop(context.Background())
		_ = c.Close(context.Background())
	}()

	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}

	// quick sanity sleep to allow DB to finalize
	time.Sleep(100 * time.Millisecond)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	gdb, err := OpenSQL(ctx, "sqlite", "file:opensql?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	defer func() { _ = CloseSQL(gdb) }()

	var one int
	if err := gdb.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if one != 1 {
		t.Fatalf("expected 1, got %d", one)
	}
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "oracle", "", nil); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestGormLoggerSkipsWrappedRecordNotFound(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := newGormLogger(zap.New(core)).LogMode(gormlogger.Error)
	query := func() (string, int64) { return "SELECT 1", 0 }

	l.Trace(context.Background(), time.Now(), query, fmt.Errorf("first: %w", gormlogger.ErrRecordNotFound))
	if n := logs.Len(); n != 0 {
		t.Fatalf("expected no log for a missing row, got %d entries", n)
	}

	l.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	if n := logs.FilterMessage("query failed").Len(); n != 1 {
		t.Fatalf("expected one query failure log, got %d", n)
	}
}
