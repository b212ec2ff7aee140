package opsapi

import "time"

// StatusResponse is the response body for GET /v1/status.
type StatusResponse struct {
	Tickets        map[string]int `json:"tickets"`
	DeferredEvents int            `json:"deferred_events"`
	Chains         []ChainStatus  `json:"chains"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// ChainStatus summarizes one watcher's progress.
type ChainStatus struct {
	ChainID            uint64 `json:"chain_id"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

// TicketResponse is the response body for GET /v1/tickets/{originChain}/{ticketId}.
type TicketResponse struct {
	TicketID         uint64           `json:"ticket_id"`
	OriginChain      uint64           `json:"origin_chain"`
	DestinationChain uint64           `json:"destination_chain"`
	Owner            string           `json:"owner"`
	Status           string           `json:"status"`
	DynamicState     string           `json:"dynamic_state"`
	RetryCount       int              `json:"retry_count"`
	LastAttemptAt    time.Time        `json:"last_attempt_at"`
	LastEvent        EventRefResponse `json:"last_event"`
}

// EventRefResponse points at the chain observation behind a transition.
type EventRefResponse struct {
	Chain       uint64 `json:"chain"`
	BlockHeight uint64 `json:"block_height"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint32 `json:"log_index"`
}

// TicketListResponse is the response body for GET /v1/tickets?status=.
type TicketListResponse struct {
	Status  string           `json:"status"`
	Tickets []TicketResponse `json:"tickets"`
}

// EventsResponse is the response body for GET /v1/events/{chain}.
type EventsResponse struct {
	Chain  uint64          `json:"chain"`
	Events []EventResponse `json:"events"`
}

// EventResponse is one admitted record from the durable event log.
// EventID is the canonical id of the observation, stable across
// re-delivery and restarts.
type EventResponse struct {
	EventID          string    `json:"event_id"`
	Chain            uint64    `json:"chain"`
	BlockHeight      uint64    `json:"block_height"`
	TxHash           string    `json:"tx_hash"`
	LogIndex         uint32    `json:"log_index"`
	Type             string    `json:"type"`
	TicketID         uint64    `json:"ticket_id"`
	OriginChain      uint64    `json:"origin_chain"`
	DestinationChain uint64    `json:"destination_chain"`
	ObservedAt       time.Time `json:"observed_at"`
}
