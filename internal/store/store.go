// Package store provides session, message, and part persistence behind a
// single Store interface, with in-memory, SQLite, and Postgres
// implementations plus an asynchronous write-behind wrapper.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the execution core.
//
// Parts are append-only: text parts grow through UpdatePartContent while
// streaming and are sealed by FinishPart; tool parts are written once.
// DeletePart exists only for the empty-text-part cleanup on finalize.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// Messages
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	SetMessageStatus(ctx context.Context, id string, status models.MessageStatus, errMsg string) error
	FinishMessage(ctx context.Context, msg *models.Message) error

	// Parts
	CreatePart(ctx context.Context, part *models.MessagePart) error
	GetPart(ctx context.Context, id string) (*models.MessagePart, error)
	ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error)
	MaxPartIndex(ctx context.Context, messageID string) (int, error)
	UpdatePartContent(ctx context.Context, id, content string) error
	FinishPart(ctx context.Context, id string, completedAt time.Time) error
	DeletePart(ctx context.Context, id string) error

	Close() error
}
