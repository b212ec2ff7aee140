// Package opsapi is the read-only operational surface of the relayer:
// health, per-status ticket counts, watcher cursor positions, and
// individual ticket lookups.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ticketbridge/relayer/internal/chainwatch"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/idempotency"
	"github.com/ticketbridge/relayer/internal/ticket"
)

// TicketReader is the store surface the handler reads from.
type TicketReader interface {
	Get(ctx context.Context, ticketID, originChain uint64) (ticket.Ticket, error)
	ListByStatus(ctx context.Context, status ticket.Status, limit int) ([]ticket.Ticket, error)
	StatusCounts(ctx context.Context) (map[ticket.Status]int, error)
}

// EventReader exposes the durable event log for audit inspection.
type EventReader interface {
	ListByChain(ctx context.Context, chain uint64, fromHeight uint64, limit int) ([]event.Record, error)
}

type Config struct {
	// AuthToken enables bearer-token auth on /v1 routes when set.
	AuthToken string

	// Cursors exposes each watcher's progress, keyed by chain id.
	Cursors map[uint64]chainwatch.CursorStore

	// Events serves /v1/events/{chain}. The route 404s when nil.
	Events EventReader

	// Deferred reports queued out-of-order events.
	Deferred func() int

	Now func() time.Time
}

func NewHandler(tickets TicketReader, cfg Config) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Deferred == nil {
		cfg.Deferred = func() int { return 0 }
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		counts, err := tickets.StatusCounts(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		byName := make(map[string]int, len(counts))
		for s, n := range counts {
			byName[s.String()] = n
		}

		chains := make([]ChainStatus, 0, len(cfg.Cursors))
		for chainID, cs := range cfg.Cursors {
			out := ChainStatus{ChainID: chainID}
			if c, ok, err := cs.Load(); err == nil && ok {
				out.LastProcessedBlock = c.LastProcessedBlock
				out.UpdatedAt = c.UpdatedAt
			}
			chains = append(chains, out)
		}
		sort.Slice(chains, func(i, j int) bool { return chains[i].ChainID < chains[j].ChainID })

		writeJSON(w, http.StatusOK, StatusResponse{
			Tickets:        byName,
			DeferredEvents: cfg.Deferred(),
			Chains:         chains,
			GeneratedAt:    cfg.Now().UTC(),
		})
	})

	mux.HandleFunc("GET /v1/tickets", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		status, err := ticket.ParseStatus(r.URL.Query().Get("status"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_status"})
			return
		}
		limit, ok := queryLimit(r, 100)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_limit"})
			return
		}

		list, err := tickets.ListByStatus(r.Context(), status, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		out := TicketListResponse{Status: status.String(), Tickets: make([]TicketResponse, 0, len(list))}
		for _, t := range list {
			out.Tickets = append(out.Tickets, ticketResponseFor(t))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /v1/events/{chain}", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		if cfg.Events == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}

		chain, err := strconv.ParseUint(r.PathValue("chain"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_chain"})
			return
		}
		var fromHeight uint64
		if v := r.URL.Query().Get("from"); v != "" {
			fromHeight, err = strconv.ParseUint(v, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_from"})
				return
			}
		}
		limit, ok := queryLimit(r, 100)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_limit"})
			return
		}

		recs, err := cfg.Events.ListByChain(r.Context(), chain, fromHeight, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		out := EventsResponse{Chain: chain, Events: make([]EventResponse, 0, len(recs))}
		for _, rec := range recs {
			out.Events = append(out.Events, eventResponseFor(rec))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /v1/tickets/{originChain}/{ticketId}", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		originChain, err := strconv.ParseUint(r.PathValue("originChain"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_origin_chain"})
			return
		}
		ticketID, err := strconv.ParseUint(r.PathValue("ticketId"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_ticket_id"})
			return
		}

		t, err := tickets.Get(r.Context(), ticketID, originChain)
		if err != nil {
			if errors.Is(err, ticket.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}

		writeJSON(w, http.StatusOK, ticketResponseFor(t))
	})

	return mux
}

func ticketResponseFor(t ticket.Ticket) TicketResponse {
	return TicketResponse{
		TicketID:         t.TicketID,
		OriginChain:      t.OriginChain,
		DestinationChain: t.DestinationChain,
		Owner:            hexutil.Encode(t.Owner[:]),
		Status:           t.Status.String(),
		DynamicState:     t.DynamicState.String(),
		RetryCount:       t.RetryCount,
		LastAttemptAt:    t.LastAttemptAt,
		LastEvent: EventRefResponse{
			Chain:       t.LastEvent.Chain,
			BlockHeight: t.LastEvent.BlockHeight,
			TxHash:      hexutil.Encode(t.LastEvent.TxHash[:]),
			LogIndex:    t.LastEvent.LogIndex,
		},
	}
}

func eventResponseFor(rec event.Record) EventResponse {
	id := idempotency.EventIDV1(rec.Chain, rec.TxHash, rec.LogIndex)
	return EventResponse{
		EventID:          hexutil.Encode(id[:]),
		Chain:            rec.Chain,
		BlockHeight:      rec.BlockHeight,
		TxHash:           hexutil.Encode(rec.TxHash[:]),
		LogIndex:         rec.LogIndex,
		Type:             rec.Type.String(),
		TicketID:         rec.TicketID,
		OriginChain:      rec.OriginChain,
		DestinationChain: rec.DestinationChain,
		ObservedAt:       rec.ObservedAt,
	}
}

// queryLimit parses the limit query param, defaulting and capping.
func queryLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > 1000 {
		n = 1000
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
