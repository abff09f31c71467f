package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/event"
	"github.com/loykin/erpsync/internal/metrics"
	"github.com/loykin/erpsync/internal/orchestrator"
	"github.com/loykin/erpsync/internal/order"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/store"
)

// SyncControl is the orchestrator surface the API exposes.
type SyncControl interface {
	RequestSync(d erp.Domain, priority int)
	SmartFastPath()
	EndFastPath()
	Status() orchestrator.Status
}

// OrderAPI is the order queue surface the API exposes.
type OrderAPI interface {
	Enqueue(ctx context.Context, o erp.Order) (string, error)
	Status(ctx context.Context, id string) (store.OrderJob, error)
	Retry(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
}

// PoolStats reports pool utilization.
type PoolStats interface {
	Stats() pool.Stats
}

// Router provides the management HTTP surface.
// Endpoints (under basePath):
//
//	POST   /sync/:domain           query: priority=N (optional)
//	GET    /status
//	POST   /fastpath
//	DELETE /fastpath
//	GET    /checkpoints
//	POST   /checkpoints/:domain/reset
//	POST   /orders                 body: order JSON
//	GET    /orders/:id
//	POST   /orders/:id/retry
//	DELETE /orders/:id
//	GET    /metrics
//	GET    /healthz
type Router struct {
	orch     SyncControl
	orders   OrderAPI
	pool     PoolStats
	store    store.Store
	bus      *event.Bus
	basePath string
}

func NewRouter(orch SyncControl, orders OrderAPI, p PoolStats, st store.Store, bus *event.Bus, basePath string) *Router {
	return &Router{orch: orch, orders: orders, pool: p, store: st, bus: bus, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/sync/:domain", r.handleRequestSync)
	group.GET("/status", r.handleStatus)
	group.POST("/fastpath", r.handleFastPathEnter)
	group.DELETE("/fastpath", r.handleFastPathExit)
	group.GET("/checkpoints", r.handleCheckpoints)
	group.POST("/checkpoints/:domain/reset", r.handleCheckpointReset)
	group.POST("/orders", r.handleEnqueueOrder)
	group.GET("/orders/:id", r.handleOrderStatus)
	group.POST("/orders/:id/retry", r.handleOrderRetry)
	group.DELETE("/orders/:id", r.handleOrderCancel)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type idResp struct {
	ID string `json:"id"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) domainParam(c *gin.Context) (erp.Domain, bool) {
	d, err := erp.ParseDomain(c.Param("domain"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return "", false
	}
	return d, true
}

func (r *Router) handleRequestSync(c *gin.Context) {
	d, ok := r.domainParam(c)
	if !ok {
		return
	}
	priority := 0
	if p := c.Query("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid priority"})
			return
		}
		priority = n
	}
	r.orch.RequestSync(d, priority)
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

type statusResp struct {
	Orchestrator orchestrator.Status    `json:"orchestrator"`
	Pool         pool.Stats             `json:"pool"`
	LastEvents   map[string]event.Event `json:"last_events,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		Orchestrator: r.orch.Status(),
		Pool:         r.pool.Stats(),
	}
	if r.bus != nil {
		resp.LastEvents = r.bus.Last()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleFastPathEnter(c *gin.Context) {
	r.orch.SmartFastPath()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleFastPathExit(c *gin.Context) {
	r.orch.EndFastPath()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCheckpoints(c *gin.Context) {
	cps, err := r.store.Checkpoints(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, cps)
}

func (r *Router) handleCheckpointReset(c *gin.Context) {
	d, ok := r.domainParam(c)
	if !ok {
		return
	}
	if err := r.store.ResetCheckpoint(c.Request.Context(), d); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEnqueueOrder(c *gin.Context) {
	var o erp.Order
	if err := c.ShouldBindJSON(&o); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := r.orders.Enqueue(c.Request.Context(), o)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, idResp{ID: id})
}

func (r *Router) handleOrderStatus(c *gin.Context) {
	job, err := r.orders.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeJSON(c, orderErrCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, job)
}

func (r *Router) handleOrderRetry(c *gin.Context) {
	id, err := r.orders.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeJSON(c, orderErrCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, idResp{ID: id})
}

func (r *Router) handleOrderCancel(c *gin.Context) {
	if err := r.orders.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeJSON(c, orderErrCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func orderErrCode(err error) int {
	switch {
	case errors.Is(err, order.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrNotCancelable), errors.Is(err, order.ErrNotRetryable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleHealthz(c *gin.Context) {
	if err := r.store.Ping(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
