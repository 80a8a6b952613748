package escrow_test

import (
	"NFTLend/internal/escrow"
	"NFTLend/internal/event"
	"NFTLend/internal/types"
	"errors"
	"testing"
)

const (
	owner    types.Address = "EQowner"
	manager  types.Address = "EQmanager"
	borrower types.Address = "EQborrower"
	nft      types.Address = "EQnft"
	winner   types.Address = "EQwinner"
)

func mustEscrow(t *testing.T) *escrow.Escrow {
	t.Helper()
	e, err := escrow.New(escrow.Config{ID: "escrow-1", Owner: owner, Manager: manager, Borrower: borrower, Nft: nft})
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	return e
}

func mustCall(t *testing.T, e *escrow.Escrow, cmd event.Command) []event.Event {
	t.Helper()
	evts, err := e.Handle(cmd, 1)
	if err != nil {
		t.Fatalf("%s: %v", cmd.MessageType(), err)
	}
	return evts
}

func confirm(sender types.Address) *event.ConfirmEscrowedByNft {
	return &event.ConfirmEscrowedByNft{Header: event.Header{Sender: sender}}
}

func TestSmokeSequence(t *testing.T) {
	e := mustEscrow(t)
	if e.IsLocked() {
		t.Fatal("new escrow must be unlocked")
	}
	mustCall(t, e, confirm(nft))
	if !e.IsLocked() {
		t.Fatal("expected locked after NFT confirmation")
	}
	evts := mustCall(t, e, &event.ReleaseToAuctionWinner{Header: event.Header{Sender: manager}, Winner: winner})

	if e.State().Status != escrow.StatusLiquidated || uint8(e.State().Status) != 3 {
		t.Fatalf("expected LIQUIDATED(3), got %s", e.State().Status)
	}
	if e.State().Custodian != winner {
		t.Errorf("custody must pass to winner, got %s", e.State().Custodian)
	}
	if r := evts[0].(*event.EscrowReleased); r.Reason != event.ReleasedToWinner {
		t.Errorf("unexpected reason %s", r.Reason)
	}
}

func TestConfirm_OnlyFromNft(t *testing.T) {
	e := mustEscrow(t)
	if _, err := e.Handle(confirm(borrower), 1); !errors.Is(err, escrow.ErrNotNft) {
		t.Fatalf("expected not nft, got %v", err)
	}
	mustCall(t, e, confirm(nft))
	if _, err := e.Handle(confirm(nft), 2); !errors.Is(err, escrow.ErrNotUnlocked) {
		t.Fatalf("second confirmation must fail, got %v", err)
	}
}

func TestRelease_RequiresLocked(t *testing.T) {
	e := mustEscrow(t)
	_, err := e.Handle(&event.ReleaseToAuctionWinner{Header: event.Header{Sender: manager}, Winner: winner}, 1)
	if !errors.Is(err, escrow.ErrNotLocked) {
		t.Fatalf("expected not locked, got %v", err)
	}
}

func TestRelease_ManagerOnly(t *testing.T) {
	e := mustEscrow(t)
	mustCall(t, e, confirm(nft))
	for _, cmd := range []event.Command{
		&event.ReleaseToAuctionWinner{Header: event.Header{Sender: owner}, Winner: winner},
		&event.ReleaseToBorrower{Header: event.Header{Sender: borrower}},
		&event.ReleaseToProtocol{Header: event.Header{Sender: owner}},
	} {
		if _, err := e.Handle(cmd, 1); !errors.Is(err, escrow.ErrNotManager) {
			t.Errorf("%s: expected not manager, got %v", cmd.MessageType(), err)
		}
	}
}

func TestRelease_EmptyWinnerRejected(t *testing.T) {
	e := mustEscrow(t)
	mustCall(t, e, confirm(nft))
	_, err := e.Handle(&event.ReleaseToAuctionWinner{Header: event.Header{Sender: manager}}, 1)
	if !errors.Is(err, escrow.ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}
}

func TestReleaseToBorrower(t *testing.T) {
	e := mustEscrow(t)
	mustCall(t, e, confirm(nft))
	mustCall(t, e, &event.ReleaseToBorrower{Header: event.Header{Sender: manager}})
	if st := e.State(); st.Status != escrow.StatusReleased || st.Custodian != borrower {
		t.Fatalf("unexpected state: %+v", st)
	}
	if _, err := e.Handle(&event.ReleaseToProtocol{Header: event.Header{Sender: manager}}, 2); !errors.Is(err, escrow.ErrNotLocked) {
		t.Fatalf("released escrow is terminal, got %v", err)
	}
}

func TestReleaseToProtocol_NoSaleCustody(t *testing.T) {
	e := mustEscrow(t)
	mustCall(t, e, confirm(nft))
	mustCall(t, e, &event.ReleaseToProtocol{Header: event.Header{Sender: manager}})
	if st := e.State(); st.Status != escrow.StatusLiquidated || st.Custodian != owner {
		t.Fatalf("unexpected state: %+v", st)
	}
}
