package snippets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps a store failure with a stable operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "snippets.store.new"
	opPush           = "snippets.push"
	opGet            = "snippets.get"
	opTags           = "snippets.tags"
	opDelete         = "snippets.delete"
	opPendingChanges = "snippets.pending_changes"
	opAckChanges     = "snippets.ack_changes"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns all durable sync state: snippets, tags, the append-only change
// log, and per-client sync bookmarks. Every mutation runs inside a single
// transaction so that the snippet row, its change-log entry, and the acting
// client's bookmark commit or roll back together.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// snapshotPayload is the serialized form of a snippet stored in the change log.
type snapshotPayload struct {
	SnippetID int64  `json:"snippet_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
	IsDeleted bool   `json:"is_deleted"`
}

func marshalSnapshot(snippet Snippet) (string, error) {
	raw, err := json.Marshal(snapshotPayload{
		SnippetID: snippet.ID,
		Title:     snippet.Title,
		Content:   snippet.Content,
		Version:   snippet.Version,
		UpdatedAt: time.Unix(snippet.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339),
		IsDeleted: snippet.IsDeleted,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Push performs the atomic create-or-update of a snippet from the given
// client. The current row is read under a row-level lock so two concurrent
// pushes to the same id cannot both observe the same pre-increment version.
func (s *Store) Push(ctx context.Context, clientID ClientID, request PushRequest) (PushResult, error) {
	if strings.TrimSpace(request.Title) == "" {
		return PushResult{}, fmt.Errorf("%w: title must not be blank", ErrInvalidTitle)
	}

	var result PushResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Snippet
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", request.SnippetID.Int64()).
			Take(&existing).Error

		now := s.clock().UTC()
		var snippet Snippet
		var operation OperationType

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			operation = OperationTypeCreate
			snippet = Snippet{
				ID:               request.SnippetID.Int64(),
				Title:            request.Title,
				Content:          request.Content,
				CreatedAtSeconds: now.Unix(),
				UpdatedAtSeconds: now.Unix(),
				Version:          1,
			}
			if err := tx.Create(&snippet).Error; err != nil {
				s.logError(opPush, "snippet_insert_failed", err, pushFields(clientID, request.SnippetID)...)
				return newStoreError(opPush, "snippet_insert_failed", err)
			}
		case err != nil:
			s.logError(opPush, "snippet_select_failed", err, pushFields(clientID, request.SnippetID)...)
			return newStoreError(opPush, "snippet_select_failed", err)
		default:
			operation = OperationTypeUpdate
			existing.Title = request.Title
			existing.Content = request.Content
			existing.UpdatedAtSeconds = now.Unix()
			existing.Version++
			if err := tx.Save(&existing).Error; err != nil {
				s.logError(opPush, "snippet_update_failed", err, pushFields(clientID, request.SnippetID)...)
				return newStoreError(opPush, "snippet_update_failed", err)
			}
			snippet = existing
		}

		if request.Tags != nil {
			if err := replaceTags(tx, snippet.ID, request.Tags); err != nil {
				s.logError(opPush, "tag_replace_failed", err, pushFields(clientID, request.SnippetID)...)
				return newStoreError(opPush, "tag_replace_failed", err)
			}
		}

		entry, err := s.appendChange(tx, snippet, operation, clientID, now)
		if err != nil {
			s.logError(opPush, "change_append_failed", err, pushFields(clientID, request.SnippetID)...)
			return newStoreError(opPush, "change_append_failed", err)
		}

		if err := upsertSyncState(tx, clientID, now, snippet.Version); err != nil {
			s.logError(opPush, "sync_state_upsert_failed", err, pushFields(clientID, request.SnippetID)...)
			return newStoreError(opPush, "sync_state_upsert_failed", err)
		}

		result = PushResult{Snippet: snippet, Operation: operation, ChangeID: entry.ID}
		return nil
	})

	if txErr != nil {
		return PushResult{}, txErr
	}

	return result, nil
}

// Get reads the current snippet row by id, excluding soft-deleted rows.
func (s *Store) Get(ctx context.Context, id SnippetID) (Snippet, error) {
	var snippet Snippet
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id.Int64(), false).
		Take(&snippet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snippet{}, fmt.Errorf("%w: id %d", ErrSnippetNotFound, id.Int64())
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("snippet_id", id.Int64()))
		return Snippet{}, newStoreError(opGet, "query_failed", err)
	}
	return snippet, nil
}

// Tags returns the tag names stored for the snippet, sorted by name.
func (s *Store) Tags(ctx context.Context, id SnippetID) ([]string, error) {
	var rows []SnippetTag
	if err := s.db.WithContext(ctx).
		Where("snippet_id = ?", id.Int64()).
		Order("name ASC").
		Find(&rows).Error; err != nil {
		s.logError(opTags, "query_failed", err, zap.Int64("snippet_id", id.Int64()))
		return nil, newStoreError(opTags, "query_failed", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Name)
	}
	return names, nil
}

// Delete soft-deletes the snippet: the row is retained with the deleted flag
// set and a bumped version, and a delete change-log entry is appended in the
// same transaction. Deleting an absent or already-deleted snippet returns
// ErrSnippetNotFound.
func (s *Store) Delete(ctx context.Context, clientID ClientID, id SnippetID) (PushResult, error) {
	var result PushResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Snippet
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id.Int64()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %d", ErrSnippetNotFound, id.Int64())
		}
		if err != nil {
			s.logError(opDelete, "snippet_select_failed", err, zap.Int64("snippet_id", id.Int64()))
			return newStoreError(opDelete, "snippet_select_failed", err)
		}
		if existing.IsDeleted {
			return fmt.Errorf("%w: id %d", ErrSnippetNotFound, id.Int64())
		}

		now := s.clock().UTC()
		existing.IsDeleted = true
		existing.UpdatedAtSeconds = now.Unix()
		existing.Version++
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opDelete, "snippet_update_failed", err, zap.Int64("snippet_id", id.Int64()))
			return newStoreError(opDelete, "snippet_update_failed", err)
		}

		entry, err := s.appendChange(tx, existing, OperationTypeDelete, clientID, now)
		if err != nil {
			s.logError(opDelete, "change_append_failed", err, zap.Int64("snippet_id", id.Int64()))
			return newStoreError(opDelete, "change_append_failed", err)
		}

		if err := upsertSyncState(tx, clientID, now, existing.Version); err != nil {
			s.logError(opDelete, "sync_state_upsert_failed", err, zap.Int64("snippet_id", id.Int64()))
			return newStoreError(opDelete, "sync_state_upsert_failed", err)
		}

		result = PushResult{Snippet: existing, Operation: OperationTypeDelete, ChangeID: entry.ID}
		return nil
	})

	if txErr != nil {
		return PushResult{}, txErr
	}

	return result, nil
}

// PendingChanges returns change-log entries authored by clients other than
// the given one that lie beyond the client's catch-up cursor, oldest first.
// A client with no bookmark sees the full history of other clients.
func (s *Store) PendingChanges(ctx context.Context, clientID ClientID) ([]ChangeEntry, error) {
	var cursor int64
	var state SyncState
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID.String()).
		Take(&state).Error
	if err == nil {
		cursor = state.LastChangeID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opPendingChanges, "bookmark_query_failed", err, zap.String("client_id", clientID.String()))
		return nil, newStoreError(opPendingChanges, "bookmark_query_failed", err)
	}

	var entries []ChangeEntry
	if err := s.db.WithContext(ctx).
		Where("client_id <> ? AND id > ?", clientID.String(), cursor).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		s.logError(opPendingChanges, "query_failed", err, zap.String("client_id", clientID.String()))
		return nil, newStoreError(opPendingChanges, "query_failed", err)
	}

	return entries, nil
}

// AcknowledgeChanges raises the client's catch-up cursor to the given
// change-log entry id. The cursor never moves backwards; acknowledging an
// already-observed entry is a no-op.
func (s *Store) AcknowledgeChanges(ctx context.Context, clientID ClientID, changeID int64) error {
	if changeID <= 0 {
		return fmt.Errorf("%w: change id must be positive, got %d", ErrInvalidChangeID, changeID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state SyncState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", clientID.String()).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = SyncState{
				ClientID:        clientID.String(),
				LastSyncSeconds: s.clock().UTC().Unix(),
				LastChangeID:    changeID,
			}
			if err := tx.Create(&state).Error; err != nil {
				s.logError(opAckChanges, "bookmark_insert_failed", err, zap.String("client_id", clientID.String()))
				return newStoreError(opAckChanges, "bookmark_insert_failed", err)
			}
			return nil
		}
		if err != nil {
			s.logError(opAckChanges, "bookmark_select_failed", err, zap.String("client_id", clientID.String()))
			return newStoreError(opAckChanges, "bookmark_select_failed", err)
		}
		if changeID <= state.LastChangeID {
			return nil
		}
		if err := tx.Model(&SyncState{}).
			Where("client_id = ?", clientID.String()).
			Update("last_change_id", changeID).Error; err != nil {
			s.logError(opAckChanges, "bookmark_update_failed", err, zap.String("client_id", clientID.String()))
			return newStoreError(opAckChanges, "bookmark_update_failed", err)
		}
		return nil
	})
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) appendChange(tx *gorm.DB, snippet Snippet, operation OperationType, clientID ClientID, now time.Time) (ChangeEntry, error) {
	snapshot, err := marshalSnapshot(snippet)
	if err != nil {
		return ChangeEntry{}, err
	}
	entry := ChangeEntry{
		SnippetID:        snippet.ID,
		Version:          snippet.Version,
		Operation:        operation,
		Snapshot:         snapshot,
		CreatedAtSeconds: now.Unix(),
		ClientID:         clientID.String(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return ChangeEntry{}, err
	}
	return entry, nil
}

func replaceTags(tx *gorm.DB, snippetID int64, tags []string) error {
	if err := tx.Where("snippet_id = ?", snippetID).Delete(&SnippetTag{}).Error; err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(tags))
	for _, name := range tags {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if err := tx.Create(&SnippetTag{SnippetID: snippetID, Name: name}).Error; err != nil {
			return err
		}
	}
	return nil
}

// upsertSyncState records the write in the acting client's bookmark. The
// catch-up cursor is deliberately left alone: a push proves nothing about
// which foreign changes the client has observed.
func upsertSyncState(tx *gorm.DB, clientID ClientID, now time.Time, version int64) error {
	state := SyncState{
		ClientID:        clientID.String(),
		LastSyncSeconds: now.Unix(),
		LastVersion:     version,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_s", "last_version"}),
	}).Create(&state).Error
}

func pushFields(clientID ClientID, id SnippetID) []zap.Field {
	return []zap.Field{
		zap.String("client_id", clientID.String()),
		zap.Int64("snippet_id", id.Int64()),
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("snippet store error", attrs...)
}
