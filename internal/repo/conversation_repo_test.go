package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// ---------- EnsureDMConversation ----------

func TestEnsureDMConversation_CreateThenReuse(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	first, err := EnsureDMConversation(ctx, db, "dm1", "alice", "bob")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.Scope != domain.ScopeDM || first.MemberA != "alice" || first.MemberB != "bob" {
		t.Fatalf("bad row: %+v", first)
	}

	// Second call returns the stored row without touching members.
	again, err := EnsureDMConversation(ctx, db, "dm1", "bob", "alice")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.MemberA != "alice" || again.MemberB != "bob" {
		t.Fatalf("members rewritten: %+v", again)
	}

	var n int64
	db.Model(&domain.Conversation{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one conversation, got %d", n)
	}
}

// ---------- UpdatePreview ----------

func TestUpdatePreview(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	if _, err := EnsureDMConversation(ctx, db, "dm1", "alice", "bob"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	m := mkMessage("m1", "dm1", time.Now().UTC())
	m.Body = "latest"
	if err := UpdatePreview(ctx, db, "dm1", m); err != nil {
		t.Fatalf("update preview: %v", err)
	}

	conv, err := GetConversation(ctx, db, "dm1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.LastMessageText != "latest" || conv.LastMessageSender != "alice" || conv.LastMessageKind != domain.KindText {
		t.Fatalf("preview not applied: %+v", conv)
	}
}

// ---------- memberships and blocks ----------

func TestMembershipRoundTrip(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	mb, err := AddMembership(ctx, db, "g1", "alice", domain.RoleModerator)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !mb.CanModerate() {
		t.Fatalf("moderator cannot moderate")
	}

	got, err := GetMembership(ctx, db, "g1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != domain.RoleModerator {
		t.Fatalf("role = %s", got.Role)
	}

	if _, err := GetMembership(ctx, db, "g1", "mallory"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestBlockedEitherWay(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	blocked, err := BlockedEitherWay(ctx, db, "alice", "bob")
	if err != nil || blocked {
		t.Fatalf("unexpected block: %v %v", blocked, err)
	}

	if err := AddBlock(ctx, db, "bob", "alice"); err != nil {
		t.Fatalf("add block: %v", err)
	}
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		blocked, err = BlockedEitherWay(ctx, db, pair[0], pair[1])
		if err != nil {
			t.Fatalf("check %v: %v", pair, err)
		}
		if !blocked {
			t.Fatalf("block not visible for %v", pair)
		}
	}
}
