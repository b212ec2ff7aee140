package opsapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/ticketbridge/relayer/internal/ticket"
)

func TestClient_StatusAndTicket(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(seedStore(t), Config{
		AuthToken: "tok",
		Cursors:   testCursors(t),
		Deferred:  func() int { return 1 },
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DeferredEvents != 1 {
		t.Fatalf("deferred: got %d", st.DeferredEvents)
	}
	if st.Tickets["lock_requested"] != 1 {
		t.Fatalf("counts: %+v", st.Tickets)
	}

	tk, err := c.Ticket(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Ticket: %v", err)
	}
	if tk.TicketID != 2 || tk.Status != "lock_confirmed" {
		t.Fatalf("ticket: %+v", tk)
	}

	if _, err := c.Ticket(context.Background(), 1, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_ListsAndEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(seedStore(t), Config{
		AuthToken: "tok",
		Events:    seedEvents(t),
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	list, err := c.TicketsByStatus(context.Background(), "lock_confirmed", 10)
	if err != nil {
		t.Fatalf("TicketsByStatus: %v", err)
	}
	if list.Status != "lock_confirmed" || len(list.Tickets) != 1 || list.Tickets[0].TicketID != 2 {
		t.Fatalf("list: %+v", list)
	}

	ev, err := c.Events(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if ev.Chain != 1 || len(ev.Events) != 2 || ev.Events[0].EventID == "" {
		t.Fatalf("events: %+v", ev)
	}

	ev, err = c.Events(context.Background(), 1, 101, 0)
	if err != nil {
		t.Fatalf("Events from: %v", err)
	}
	if len(ev.Events) != 1 || ev.Events[0].BlockHeight != 104 {
		t.Fatalf("filtered events: %+v", ev.Events)
	}
}

func TestClient_AuthRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(ticket.NewMemoryStore(), Config{AuthToken: "tok"}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "wrong")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatalf("expected auth error")
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "ftp://x", "http://"} {
		if _, err := NewClient(base, ""); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("base %q: expected ErrInvalidClientConfig, got %v", base, err)
		}
	}
}
