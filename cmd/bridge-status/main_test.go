package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunMain_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tickets":{"unbridged":3},"deferred_events":1,"chains":[]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runMain([]string{"--url", srv.URL, "status"}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	tickets, ok := got["tickets"].(map[string]any)
	if !ok || tickets["unbridged"] != float64(3) {
		t.Fatalf("tickets mismatch: %v", got["tickets"])
	}
}

func TestRunMain_Ticket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tickets/1/42" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ticket_id":42,"origin_chain":1,"status":"lock_confirmed"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runMain([]string{"--url", srv.URL, "ticket", "1", "42"}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if !strings.Contains(out.String(), `"lock_confirmed"`) {
		t.Fatalf("output missing status: %s", out.String())
	}
}

func TestRunMain_TicketsByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tickets" || r.URL.Query().Get("status") != "minting" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"minting","tickets":[{"ticket_id":7,"origin_chain":1,"status":"minting"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runMain([]string{"--url", srv.URL, "tickets", "minting"}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if !strings.Contains(out.String(), `"ticket_id": 7`) {
		t.Fatalf("output missing ticket: %s", out.String())
	}
}

func TestRunMain_Events(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events/2" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chain":2,"events":[{"event_id":"0xabc","chain":2,"block_height":9,"type":"burn_confirmed"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runMain([]string{"--url", srv.URL, "events", "2"}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if !strings.Contains(out.String(), `"burn_confirmed"`) {
		t.Fatalf("output missing event: %s", out.String())
	}
}

func TestRunMain_UnknownCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := runMain([]string{"--url", "http://127.0.0.1:1", "frobnicate"}, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRunMain_TicketUsage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := runMain([]string{"--url", "http://127.0.0.1:1", "ticket", "1"}, &out); err == nil {
		t.Fatal("expected usage error")
	}
}
