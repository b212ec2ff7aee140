package event

import (
	"context"
	"errors"
	"testing"

	"github.com/ticketbridge/relayer/internal/ticket"
)

func TestMemoryStore_AdmitOnce(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	rec := Record{
		Chain:       1,
		TxHash:      [32]byte{0x01},
		LogIndex:    2,
		BlockHeight: 100,
		Type:        TypeLockRequested,
		TicketID:    7,
		OriginChain: 1,
	}
	fresh, err := s.Admit(ctx, rec)
	if err != nil || !fresh {
		t.Fatalf("first admit: fresh=%v err=%v", fresh, err)
	}

	// Same (chain, tx, log index) is the same observation, whatever the body.
	dup := rec
	dup.Type = TypeLockConfirmed
	fresh, err = s.Admit(ctx, dup)
	if err != nil || fresh {
		t.Fatalf("duplicate admit: fresh=%v err=%v", fresh, err)
	}

	// The stored record keeps the first admission's body.
	got, err := s.Get(ctx, 1, [32]byte{0x01}, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != TypeLockRequested {
		t.Fatalf("stored type: %s", got.Type)
	}
}

func TestMemoryStore_DistinctLogIndexesAdmitted(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	base := Record{Chain: 1, TxHash: [32]byte{0x02}, BlockHeight: 101, Type: TypeLockRequested}
	for i := uint32(0); i < 3; i++ {
		rec := base
		rec.LogIndex = i
		fresh, err := s.Admit(ctx, rec)
		if err != nil || !fresh {
			t.Fatalf("admit log index %d: fresh=%v err=%v", i, fresh, err)
		}
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), 1, [32]byte{0xff}, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing record err: %v", err)
	}
}

func TestMemoryStore_ListByChainOrdered(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	for i, spec := range []struct {
		chain  uint64
		height uint64
		index  uint32
	}{
		{1, 105, 0},
		{1, 100, 2},
		{1, 100, 1},
		{2, 90, 0},
	} {
		rec := Record{Chain: spec.chain, TxHash: [32]byte{byte(i + 1)}, LogIndex: spec.index, BlockHeight: spec.height}
		if fresh, err := s.Admit(ctx, rec); err != nil || !fresh {
			t.Fatalf("admit %d: fresh=%v err=%v", i, fresh, err)
		}
	}

	got, err := s.ListByChain(ctx, 1, 0, 10)
	if err != nil {
		t.Fatalf("ListByChain: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("record count: %d", len(got))
	}
	if got[0].BlockHeight != 100 || got[0].LogIndex != 1 || got[1].LogIndex != 2 || got[2].BlockHeight != 105 {
		t.Fatalf("order: %+v", got)
	}

	got, err = s.ListByChain(ctx, 1, 105, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("fromHeight filter: n=%d err=%v", len(got), err)
	}
}

func TestRecord_Ref(t *testing.T) {
	t.Parallel()

	rec := Record{Chain: 3, TxHash: [32]byte{0x09}, LogIndex: 4, BlockHeight: 77}
	want := ticket.EventRef{Chain: 3, TxHash: [32]byte{0x09}, LogIndex: 4, BlockHeight: 77}
	if rec.Ref() != want {
		t.Fatalf("Ref: %+v", rec.Ref())
	}
}
