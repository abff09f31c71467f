package client

import (
	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/event"
	"github.com/loykin/erpsync/internal/orchestrator"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/store"
)

// StatusResponse mirrors GET /status.
type StatusResponse struct {
	Orchestrator orchestrator.Status    `json:"orchestrator"`
	Pool         pool.Stats             `json:"pool"`
	LastEvents   map[string]event.Event `json:"last_events,omitempty"`
}

// Checkpoint mirrors one entry of GET /checkpoints.
type Checkpoint = store.Checkpoint

// OrderJob mirrors GET /orders/:id.
type OrderJob = store.OrderJob

// Order is the payload for EnqueueOrder.
type Order = erp.Order

// IDResponse carries a created job id.
type IDResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
