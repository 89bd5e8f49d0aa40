package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
)

func TestUpsertAndGetUser(t *testing.T) {
	db := newSessionRepoDB(t)
	ctx := context.Background()

	u := &domain.User{ID: "u1", PreferredProvider: "gemini", AdminAccessState: domain.StateNone}
	if err := UpsertUser(ctx, db, u); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := GetUser(ctx, db, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PreferredProvider != "gemini" || got.CreatedAt.IsZero() {
		t.Fatalf("user = %+v", got)
	}

	// Second upsert replaces.
	u.PreferredProvider = "groq"
	if err := UpsertUser(ctx, db, u); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = GetUser(ctx, db, "u1")
	if err != nil || got.PreferredProvider != "groq" {
		t.Fatalf("after re-upsert: %+v, %v", got, err)
	}
}

func TestGetUser_Missing(t *testing.T) {
	db := newSessionRepoDB(t)
	if _, err := GetUser(context.Background(), db, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v; want ErrNotFound", err)
	}
}

func TestUpdateKeys(t *testing.T) {
	db := newSessionRepoDB(t)
	ctx := context.Background()

	if err := UpsertUser(ctx, db, &domain.User{ID: "u1", GeminiKey: "enc-old", PreferredProvider: "gemini"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	newKey := "enc-new"
	own := true
	if err := UpdateKeys(ctx, db, "u1", KeyUpdates{GeminiKey: &newKey, UseOwnKeys: &own}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := GetUser(ctx, db, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GeminiKey != "enc-new" || !got.UseOwnKeys {
		t.Fatalf("user = %+v", got)
	}
	// Untouched fields survive.
	if got.PreferredProvider != "gemini" {
		t.Fatalf("preferred provider changed: %q", got.PreferredProvider)
	}

	// Clearing a key with an empty non-nil value.
	empty := ""
	if err := UpdateKeys(ctx, db, "u1", KeyUpdates{GeminiKey: &empty}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = GetUser(ctx, db, "u1")
	if got.GeminiKey != "" {
		t.Fatalf("key not cleared: %q", got.GeminiKey)
	}
}

func TestUpdateKeys_MissingUser(t *testing.T) {
	db := newSessionRepoDB(t)
	k := "x"
	if err := UpdateKeys(context.Background(), db, "nobody", KeyUpdates{GeminiKey: &k}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v; want ErrNotFound", err)
	}
}

func TestUpdateAdminAccessState(t *testing.T) {
	db := newSessionRepoDB(t)
	ctx := context.Background()

	if err := UpsertUser(ctx, db, &domain.User{ID: "u1", AdminAccessState: domain.StatePending}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := UpdateAdminAccessState(ctx, db, "u1", domain.StateApproved); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := GetUser(ctx, db, "u1")
	if got.AdminAccessState != domain.StateApproved {
		t.Fatalf("state = %q", got.AdminAccessState)
	}
	if err := UpdateAdminAccessState(ctx, db, "ghost", domain.StateDenied); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
}
