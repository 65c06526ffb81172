package snippets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestPushCreatesSnippetAtVersionOne(t *testing.T) {
	store, db := newTestStore(t)
	clientID := mustClientID(t, "client-1")

	result, err := store.Push(context.Background(), clientID, PushRequest{
		SnippetID: mustSnippetID(t, 1),
		Title:     "T",
		Content:   "C",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Operation != OperationTypeCreate {
		t.Fatalf("expected create operation, got %s", result.Operation)
	}
	if result.Snippet.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Snippet.Version)
	}

	var stored Snippet
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored snippet: %v", err)
	}
	if stored.Title != "T" || stored.Content != "C" {
		t.Fatalf("unexpected stored snippet: %#v", stored)
	}

	var entry ChangeEntry
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load change entry: %v", err)
	}
	if entry.Operation != OperationTypeCreate || entry.Version != 1 || entry.ClientID != "client-1" {
		t.Fatalf("unexpected change entry: %#v", entry)
	}

	var snapshot struct {
		SnippetID int64  `json:"snippet_id"`
		Title     string `json:"title"`
		Version   int64  `json:"version"`
	}
	if err := json.Unmarshal([]byte(entry.Snapshot), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.SnippetID != 1 || snapshot.Title != "T" || snapshot.Version != 1 {
		t.Fatalf("unexpected snapshot: %#v", snapshot)
	}
}

func TestPushVersionsIncreaseByOneWithoutGaps(t *testing.T) {
	store, db := newTestStore(t)
	id := mustSnippetID(t, 7)

	authors := []string{"client-1", "client-2", "client-1"}
	for i, author := range authors {
		_, err := store.Push(context.Background(), mustClientID(t, author), PushRequest{
			SnippetID: id,
			Title:     fmt.Sprintf("title-%d", i),
			Content:   "body",
		})
		if err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	var entries []ChangeEntry
	if err := db.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load change entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 change entries, got %d", len(entries))
	}
	for i, entry := range entries {
		expectedVersion := int64(i + 1)
		if entry.Version != expectedVersion {
			t.Fatalf("entry %d: expected version %d, got %d", i, expectedVersion, entry.Version)
		}
		if i == 0 && entry.Operation != OperationTypeCreate {
			t.Fatalf("first entry should be create, got %s", entry.Operation)
		}
		if i > 0 && entry.Operation != OperationTypeUpdate {
			t.Fatalf("entry %d should be update, got %s", i, entry.Operation)
		}
		if entry.ClientID != authors[i] {
			t.Fatalf("entry %d: expected author %s, got %s", i, authors[i], entry.ClientID)
		}
	}

	var stored Snippet
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snippet: %v", err)
	}
	if stored.Version != 3 {
		t.Fatalf("expected final version 3, got %d", stored.Version)
	}
}

func TestPushRejectsBlankTitle(t *testing.T) {
	store, db := newTestStore(t)

	_, err := store.Push(context.Background(), mustClientID(t, "client-1"), PushRequest{
		SnippetID: mustSnippetID(t, 1),
		Title:     "   ",
	})
	if !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}

	var count int64
	if err := db.Model(&Snippet{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows after rejected push, got %d", count)
	}
}

func TestPushLeavesNoPartialStateOnFailure(t *testing.T) {
	store, db := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Push(ctx, mustClientID(t, "client-1"), PushRequest{
		SnippetID: mustSnippetID(t, 1),
		Title:     "T",
		Content:   "C",
	})
	if err == nil {
		t.Fatal("expected push with cancelled context to fail")
	}

	for _, model := range []interface{}{&Snippet{}, &ChangeEntry{}, &SyncState{}, &SnippetTag{}} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count rows: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected no rows for %T after failed push, got %d", model, count)
		}
	}
}

func TestConcurrentPushesToNewSnippetYieldCreateThenUpdate(t *testing.T) {
	store, db := newTestStore(t)
	id := mustSnippetID(t, 42)

	var wg sync.WaitGroup
	for _, author := range []string{"client-1", "client-2"} {
		wg.Add(1)
		go func(author string) {
			defer wg.Done()
			_, err := store.Push(context.Background(), mustClientID(t, author), PushRequest{
				SnippetID: id,
				Title:     "shared",
				Content:   author,
			})
			if err != nil {
				t.Errorf("push from %s failed: %v", author, err)
			}
		}(author)
	}
	wg.Wait()

	var entries []ChangeEntry
	if err := db.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load change entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 change entries, got %d", len(entries))
	}
	if entries[0].Operation != OperationTypeCreate || entries[1].Operation != OperationTypeUpdate {
		t.Fatalf("expected create then update, got %s then %s", entries[0].Operation, entries[1].Operation)
	}

	var stored Snippet
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load snippet: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected final version 2, got %d", stored.Version)
	}
}

func TestGetExcludesSoftDeletedSnippets(t *testing.T) {
	store, db := newTestStore(t)
	clientID := mustClientID(t, "client-1")
	id := mustSnippetID(t, 3)

	if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrSnippetNotFound) {
		t.Fatalf("expected not-found for absent snippet, got %v", err)
	}

	if _, err := store.Push(context.Background(), clientID, PushRequest{SnippetID: id, Title: "T"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	result, err := store.Delete(context.Background(), clientID, id)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if result.Operation != OperationTypeDelete {
		t.Fatalf("expected delete operation, got %s", result.Operation)
	}
	if result.Snippet.Version != 2 {
		t.Fatalf("expected version 2 after delete, got %d", result.Snippet.Version)
	}

	if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrSnippetNotFound) {
		t.Fatalf("expected not-found for deleted snippet, got %v", err)
	}

	// The row is retained for change-log referential integrity.
	var stored Snippet
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("expected soft-deleted row to remain: %v", err)
	}
	if !stored.IsDeleted {
		t.Fatal("expected deleted flag to be set")
	}

	if _, err := store.Delete(context.Background(), clientID, id); !errors.Is(err, ErrSnippetNotFound) {
		t.Fatalf("expected not-found for repeated delete, got %v", err)
	}
}

func TestBookmarkUpsertKeepsOneRowPerClient(t *testing.T) {
	store, db := newTestStore(t)
	clientID := mustClientID(t, "client-1")

	for i := 0; i < 3; i++ {
		_, err := store.Push(context.Background(), clientID, PushRequest{
			SnippetID: mustSnippetID(t, 5),
			Title:     "T",
		})
		if err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	var states []SyncState
	if err := db.Find(&states).Error; err != nil {
		t.Fatalf("failed to load sync states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected one sync state row, got %d", len(states))
	}
	if states[0].ClientID != "client-1" {
		t.Fatalf("unexpected client id %s", states[0].ClientID)
	}
	if states[0].LastVersion != 3 {
		t.Fatalf("expected last version 3, got %d", states[0].LastVersion)
	}
}

func TestPushReplacesTagsWhenProvided(t *testing.T) {
	store, _ := newTestStore(t)
	clientID := mustClientID(t, "client-1")
	id := mustSnippetID(t, 9)

	if _, err := store.Push(context.Background(), clientID, PushRequest{
		SnippetID: id,
		Title:     "T",
		Tags:      []string{"sql", "go", "go", ""},
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	tags, err := store.Tags(context.Background(), id)
	if err != nil {
		t.Fatalf("tags load failed: %v", err)
	}
	if len(tags) != 2 || tags[0] != "go" || tags[1] != "sql" {
		t.Fatalf("unexpected tags: %v", tags)
	}

	// A nil tag slice leaves the stored set untouched.
	if _, err := store.Push(context.Background(), clientID, PushRequest{SnippetID: id, Title: "T2"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	tags, err = store.Tags(context.Background(), id)
	if err != nil {
		t.Fatalf("tags load failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected tags to be preserved, got %v", tags)
	}

	if _, err := store.Push(context.Background(), clientID, PushRequest{
		SnippetID: id,
		Title:     "T3",
		Tags:      []string{"notes"},
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	tags, err = store.Tags(context.Background(), id)
	if err != nil {
		t.Fatalf("tags load failed: %v", err)
	}
	if len(tags) != 1 || tags[0] != "notes" {
		t.Fatalf("expected replaced tags, got %v", tags)
	}
}

func TestPendingChangesSkipsAuthorAndAcknowledgedEntries(t *testing.T) {
	store, _ := newTestStore(t)
	client1 := mustClientID(t, "client-1")
	client2 := mustClientID(t, "client-2")

	// Entry 1: client-1 creates snippet 1. Entry 2: client-2 creates snippet 2.
	// Entry 3: client-1 updates snippet 1.
	if _, err := store.Push(context.Background(), client1, PushRequest{SnippetID: mustSnippetID(t, 1), Title: "a"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := store.Push(context.Background(), client2, PushRequest{SnippetID: mustSnippetID(t, 2), Title: "b"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := store.Push(context.Background(), client1, PushRequest{SnippetID: mustSnippetID(t, 1), Title: "a2"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	pending, err := store.PendingChanges(context.Background(), client2)
	if err != nil {
		t.Fatalf("pending changes failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries for client-2, got %d", len(pending))
	}
	if pending[0].ID != 1 || pending[1].ID != 3 {
		t.Fatalf("unexpected pending entry ids: %d, %d", pending[0].ID, pending[1].ID)
	}

	if err := store.AcknowledgeChanges(context.Background(), client2, 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	pending, err = store.PendingChanges(context.Background(), client2)
	if err != nil {
		t.Fatalf("pending changes failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != 3 {
		t.Fatalf("expected only entry 3 pending, got %#v", pending)
	}

	if err := store.AcknowledgeChanges(context.Background(), client2, 3); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	// Cursor never moves backwards.
	if err := store.AcknowledgeChanges(context.Background(), client2, 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	pending, err = store.PendingChanges(context.Background(), client2)
	if err != nil {
		t.Fatalf("pending changes failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(pending))
	}

	// A client with no bookmark sees the full foreign history.
	pending, err = store.PendingChanges(context.Background(), mustClientID(t, "client-9"))
	if err != nil {
		t.Fatalf("pending changes failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending entries for new client, got %d", len(pending))
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:codexpad_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Snippet{}, &SnippetTag{}, &ChangeEntry{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	return store, db
}

func mustClientID(t *testing.T, value string) ClientID {
	t.Helper()
	id, err := NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func mustSnippetID(t *testing.T, value int64) SnippetID {
	t.Helper()
	id, err := NewSnippetID(value)
	if err != nil {
		t.Fatalf("unexpected snippet id error: %v", err)
	}
	return id
}
