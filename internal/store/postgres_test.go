package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/loomhq/loom/pkg/models"
)

func TestPostgresCreateSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreFromDB(db)

	now := time.Now()
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "build", "", "/work", int64(0), int64(0), int64(0), "{}", now, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.CreateSession(context.Background(), &models.Session{
		ID:           "s1",
		Agent:        "build",
		ProjectRoot:  "/work",
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresRebindsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreFromDB(db)

	// $1/$2 placeholders prove the ? query was rebound for Postgres.
	mock.ExpectExec(`UPDATE message_parts SET content = \$1 WHERE id = \$2`).
		WithArgs(`{"text":"x"}`, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdatePartContent(context.Background(), "p1", `{"text":"x"}`); err != nil {
		t.Fatalf("UpdatePartContent() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresUpdateMissingRowIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreFromDB(db)

	mock.ExpectExec(`UPDATE message_parts SET content`).
		WithArgs("x", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdatePartContent(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePartContent() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresMaxPartIndexEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery(`SELECT MAX\(idx\) FROM message_parts`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	max, err := s.MaxPartIndex(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MaxPartIndex() error = %v", err)
	}
	if max != -1 {
		t.Errorf("MaxPartIndex() = %d, want -1", max)
	}
}
