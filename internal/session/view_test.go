package session

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestStateForClientProjectsOnlyOwnTicket(t *testing.T) {
	h := newHarness(t)
	buyer, spectator := uuid.New(), uuid.New()
	h.fund(buyer, 500)

	if _, err := h.session.BuyTicket(context.Background(), h.game.ID, buyer, []int{3, 14, 15}); err != nil {
		t.Fatalf("buy ticket: %v", err)
	}
	if _, err := h.session.RegisterPlayer(context.Background(), h.game.ID, spectator); err != nil {
		t.Fatalf("register spectator: %v", err)
	}

	buyerView, err := h.session.StateForClient(context.Background(), h.game.ID, buyer)
	if err != nil {
		t.Fatalf("buyer view: %v", err)
	}
	spectatorView, err := h.session.StateForClient(context.Background(), h.game.ID, spectator)
	if err != nil {
		t.Fatalf("spectator view: %v", err)
	}

	if diff := cmp.Diff([]int{3, 14, 15}, buyerView.MySelectedNumbers); diff != "" {
		t.Errorf("buyer selections mismatch (-want +got):\n%s", diff)
	}
	if buyerView.MyTicket == nil || !buyerView.MyTicket.HasTicket {
		t.Error("expected buyer's own ticket in their view")
	}

	// The spectator sees the shared state but never anyone else's numbers.
	if diff := cmp.Diff([]int{}, spectatorView.MySelectedNumbers); diff != "" {
		t.Errorf("spectator must see no selections (-want +got):\n%s", diff)
	}
	if spectatorView.MyTicket != nil {
		t.Error("spectator view must not carry a ticket")
	}
	if spectatorView.TicketsSold != 1 {
		t.Errorf("expected 1 ticket sold, got %d", spectatorView.TicketsSold)
	}
	if spectatorView.TotalBank != buyerView.TotalBank {
		t.Error("shared fields must match across views")
	}
}

func TestStateForClientSharedFields(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.fund(userID, 500)
	h.engine.push([]int{7, 8, 9}, sequenceExcept(1, 100, 7, 8, 9))

	if _, err := h.session.BuyTicket(context.Background(), h.game.ID, userID, []int{7}); err != nil {
		t.Fatalf("buy ticket: %v", err)
	}
	for i := 0; i < 10; i++ {
		h.session.HandleTick(h.game.ID)
	}

	view, err := h.session.StateForClient(context.Background(), h.game.ID, userID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Phase != 1 {
		t.Errorf("expected phase 1 after one elimination, got %d", view.Phase)
	}
	if view.NumbersRemaining != 3 {
		t.Errorf("expected 3 numbers remaining, got %d", view.NumbersRemaining)
	}
	if len(view.EliminatedNumbers) != 97 {
		t.Errorf("expected 97 eliminated numbers, got %d", len(view.EliminatedNumbers))
	}
	if view.GridSize != 10 || view.RoundTimeMs != 10000 {
		t.Errorf("draw parameters missing from view: %+v", view)
	}
}
