package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
)

func TestDeadLetterRepository_SaveAndList(t *testing.T) {
	repo := memory.NewDeadLetterRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	payload := []byte(`{"order_id":"O1"}`)
	if err := repo.Save(ctx, domain.DeadLetter{TaskName: "fulfill_order_placed", TaskKey: "O1", Payload: payload, FailedAt: base}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, domain.DeadLetter{TaskName: "refund_order_returned", TaskKey: "O2", FailedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	payload[0] = 'X'

	letters, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("expected 2 letters, got %d", len(letters))
	}
	if letters[0].TaskKey != "O2" {
		t.Fatalf("expected newest letter first, got %s", letters[0].TaskKey)
	}
	if letters[1].ID == "" {
		t.Fatal("expected generated id")
	}
	if string(letters[1].Payload) != `{"order_id":"O1"}` {
		t.Fatalf("payload must be copied on save, got %s", letters[1].Payload)
	}

	limited, err := repo.List(ctx, 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 letter, got %d", len(limited))
	}
}
