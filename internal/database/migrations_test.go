package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/willibrandon/CodexPad-sub000/internal/snippets"
	"gorm.io/gorm"
)

func TestBackfillSyncCursorsSeedsLegacyBookmarks(t *testing.T) {
	db := newTestDatabase(t)

	seedEntries := []snippets.ChangeEntry{
		{SnippetID: 1, Version: 1, Operation: snippets.OperationTypeCreate, Snapshot: "{}", CreatedAtSeconds: 1700000000, ClientID: "client-1"},
		{SnippetID: 1, Version: 2, Operation: snippets.OperationTypeUpdate, Snapshot: "{}", CreatedAtSeconds: 1700000100, ClientID: "client-2"},
		{SnippetID: 2, Version: 1, Operation: snippets.OperationTypeCreate, Snapshot: "{}", CreatedAtSeconds: 1700000200, ClientID: "client-1"},
	}
	for i := range seedEntries {
		if err := db.Create(&seedEntries[i]).Error; err != nil {
			t.Fatalf("failed to seed change entry: %v", err)
		}
	}

	states := []snippets.SyncState{
		{ClientID: "client-1", LastSyncSeconds: 1700000200, LastVersion: 1},
		{ClientID: "client-2", LastSyncSeconds: 1700000100, LastVersion: 2},
		{ClientID: "client-3", LastSyncSeconds: 1700000300, LastVersion: 4},
	}
	for i := range states {
		if err := db.Create(&states[i]).Error; err != nil {
			t.Fatalf("failed to seed sync state: %v", err)
		}
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	expected := map[string]int64{
		"client-1": 3,
		"client-2": 2,
		// No change-log entries for client-3; the cursor stays at zero.
		"client-3": 0,
	}
	for clientID, cursor := range expected {
		var state snippets.SyncState
		if err := db.Where("client_id = ?", clientID).Take(&state).Error; err != nil {
			t.Fatalf("failed to load sync state for %s: %v", clientID, err)
		}
		if state.LastChangeID != cursor {
			t.Fatalf("%s: expected cursor %d, got %d", clientID, cursor, state.LastChangeID)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillSyncCursors).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration record, got %d", count)
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:codexpad_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&snippets.Snippet{},
		&snippets.SnippetTag{},
		&snippets.ChangeEntry{},
		&snippets.SyncState{},
		&migrationRecord{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
