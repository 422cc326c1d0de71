package store

import (
	"context"
	"testing"

	"github.com/ydkmlt84/tracearr/internal/models"
)

func TestCreateServerUsersBatch(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	created, err := s.CreateServerUsersBatch(ctx, []NewServerUser{
		{ServerID: srv.ID, ExternalID: "e1", Username: "alice"},
		{ServerID: srv.ID, ExternalID: "e2", Username: "bob"},
	})
	if err != nil {
		t.Fatalf("CreateServerUsersBatch: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created, got %d", len(created))
	}
	for _, u := range created {
		if u.TrustScore != models.DefaultTrustScore {
			t.Fatalf("expected default trust score, got %d", u.TrustScore)
		}
		if u.UserID == "" {
			t.Fatal("expected owning user identity to be created")
		}
	}

	byExternal, err := s.ServerUsersByServer(ctx, srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(byExternal) != 2 || byExternal["e1"].Username != "alice" {
		t.Fatalf("unexpected map: %+v", byExternal)
	}
}

func TestCreateServerUsersBatchConflictReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	first, err := s.CreateServerUsersBatch(ctx, []NewServerUser{
		{ServerID: srv.ID, ExternalID: "e1", Username: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}

	again, err := s.CreateServerUsersBatch(ctx, []NewServerUser{
		{ServerID: srv.ID, ExternalID: "e1", Username: "alice-renamed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if again[0].ID != first[0].ID {
		t.Fatalf("conflict should return the existing row, got %s vs %s", again[0].ID, first[0].ID)
	}
	if again[0].Username != "alice" {
		t.Fatalf("existing row must win on conflict, got username %q", again[0].Username)
	}
}

func TestResetTrustScoreClamps(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	su := seedServerUser(t, s, srv.ID, "e1")

	if err := s.ResetTrustScore(ctx, su.ID, 150); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetServerUser(ctx, su.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TrustScore != 100 {
		t.Fatalf("expected clamp to 100, got %d", got.TrustScore)
	}
}
