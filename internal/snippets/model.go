package snippets

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the mutation kinds recorded in the change log.
type OperationType string

const (
	// OperationTypeCreate records the first write for a snippet id.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate records an in-place mutation of an existing snippet.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete records a soft delete.
	OperationTypeDelete OperationType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSnippetID indicates that a snippet identifier is not positive.
	ErrInvalidSnippetID = errors.New("snippets: invalid snippet id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("snippets: invalid client id")
	// ErrInvalidTitle indicates that a snippet title is blank.
	ErrInvalidTitle = errors.New("snippets: invalid title")
	// ErrSnippetNotFound indicates that a snippet is absent or soft-deleted.
	ErrSnippetNotFound = errors.New("snippets: snippet not found")
	// ErrInvalidChangeID indicates a non-positive change-log entry id.
	ErrInvalidChangeID = errors.New("snippets: invalid change id")
)

// SnippetID represents a validated snippet identifier.
type SnippetID int64

// NewSnippetID validates raw input and returns a SnippetID.
func NewSnippetID(value int64) (SnippetID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSnippetID, value)
	}
	return SnippetID(value), nil
}

// Int64 exposes the raw identifier value.
func (id SnippetID) Int64() int64 {
	return int64(id)
}

// ClientID represents a validated client identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Snippet models the persisted snippet row with versioning metadata.
type Snippet struct {
	ID               int64  `gorm:"column:id;primaryKey;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Snippet) TableName() string {
	return "snippets"
}

// SnippetTag associates a tag name with a snippet. Tags live outside the
// snippet row and are not loaded by the primary read path.
type SnippetTag struct {
	SnippetID int64  `gorm:"column:snippet_id;primaryKey;not null"`
	Name      string `gorm:"column:name;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnippetTag) TableName() string {
	return "snippet_tags"
}

// ChangeEntry captures one append-only change-log row. Entries are written
// in the same transaction as the snippet mutation they describe and are
// never updated afterwards.
type ChangeEntry struct {
	ID               int64         `gorm:"column:id;primaryKey;autoIncrement;not null"`
	SnippetID        int64         `gorm:"column:snippet_id;not null;index:idx_change_log_snippet,priority:1"`
	Version          int64         `gorm:"column:version;not null;index:idx_change_log_snippet,priority:2"`
	Operation        OperationType `gorm:"column:op;size:16;not null"`
	Snapshot         string        `gorm:"column:snapshot;type:text;not null"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	ClientID         string        `gorm:"column:client_id;size:190;not null;index:idx_change_log_client"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeEntry) TableName() string {
	return "change_log"
}

// SyncState is the per-client bookmark row, upserted on every write
// originating from that client. LastChangeID is a cursor into the global
// change log used by the catch-up query; LastVersion is the version of the
// most recent write the client produced.
type SyncState struct {
	ClientID        string `gorm:"column:client_id;primaryKey;size:190;not null"`
	LastSyncSeconds int64  `gorm:"column:last_sync_s;not null"`
	LastVersion     int64  `gorm:"column:last_version;not null;default:0"`
	LastChangeID    int64  `gorm:"column:last_change_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_states"
}

// PushRequest describes a client-originated write for a snippet. A nil Tags
// slice leaves the stored tag set untouched; a non-nil slice replaces it.
type PushRequest struct {
	SnippetID SnippetID
	Title     string
	Content   string
	Tags      []string
}

// PushResult reports the stored state after a successful write.
type PushResult struct {
	Snippet   Snippet
	Operation OperationType
	ChangeID  int64
}
