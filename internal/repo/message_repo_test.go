package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mkMessage(id, conv string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:             id,
		ConversationID: conv,
		Scope:          domain.ScopeDM,
		SenderID:       "alice",
		Kind:           domain.KindText,
		Body:           "hello",
		ClientTime:     at,
		ReceiptTime:    at,
	}
}

// ---------- InsertMessage / GetMessage ----------

func TestInsertMessage_DuplicateID(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	at := time.Now().UTC()

	if err := InsertMessage(ctx, db, mkMessage("m1", "c1", at)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := InsertMessage(ctx, db, mkMessage("m1", "c1", at))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetMessage(ctx, db, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "hello" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	db := newRepoDB(t)
	if _, err := GetMessage(context.Background(), db, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

// ---------- ListMessagesPage / CountMessages ----------

func TestListMessagesPage_ReceiptOrderAndPaging(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; listing must come back by receipt time.
	for _, i := range []int{2, 0, 4, 1, 3} {
		m := mkMessage(fmt.Sprintf("m-%d", i), "c1", base.Add(time.Duration(i)*time.Second))
		if err := InsertMessage(ctx, db, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Noise in another conversation.
	if err := InsertMessage(ctx, db, mkMessage("other", "c2", base)); err != nil {
		t.Fatalf("insert noise: %v", err)
	}

	total, err := CountMessages(ctx, db, "c1")
	if err != nil || total != 5 {
		t.Fatalf("count = %d, %v; want 5", total, err)
	}

	page1, err := ListMessagesPage(ctx, db, "c1", 0, 3)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	page2, err := ListMessagesPage(ctx, db, "c1", 3, 3)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page1) != 3 || len(page2) != 2 {
		t.Fatalf("page sizes %d/%d, want 3/2", len(page1), len(page2))
	}
	ids := []string{}
	for _, m := range append(page1, page2...) {
		ids = append(ids, m.ID)
	}
	for i, want := range []string{"m-0", "m-1", "m-2", "m-3", "m-4"} {
		if ids[i] != want {
			t.Fatalf("order[%d] = %s, want %s (all: %v)", i, ids[i], want, ids)
		}
	}
}

// ---------- isUniqueViolation ----------

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{errors.New("UNIQUE constraint failed: messages.id"), true},
		{errors.New("constraint failed: UNIQUE constraint failed: messages.id (1555)"), true},
		{errors.New("no such table"), false},
	}
	for _, tc := range cases {
		if got := isUniqueViolation(tc.err); got != tc.want {
			t.Fatalf("isUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
