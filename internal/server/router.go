package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/crashguard/internal/ledger"
	"github.com/loykin/crashguard/internal/metrics"
	"github.com/loykin/crashguard/internal/process"
	"github.com/loykin/crashguard/internal/supervisor"
)

// Source is the supervision session the router reports on.
type Source interface {
	Snapshot() supervisor.Snapshot
	Ledger() ledger.Ledger
}

// Router provides read-only HTTP handlers for a running supervisor.
// Endpoints:
//
//	GET {basePath}/status   session snapshot plus child resource usage
//	GET {basePath}/healthz  200 while supervising, 503 once halted or stopped
//	GET {basePath}/ledger   crash records currently retained
//	GET {basePath}/metrics  Prometheus exposition, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	metrics  bool
	now      func() time.Time
}

func NewRouter(src Source, basePath string, withMetrics bool) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), metrics: withMetrics, now: time.Now}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/ledger", r.handleLedger)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router in the background.
// Bind errors are returned; close the server with Shutdown or Close.
func NewServer(addr, basePath string, src Source, withMetrics bool) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath, withMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	supervisor.Snapshot
	Child *process.Stats `json:"child,omitempty"`
}

type ledgerResp struct {
	Records []time.Time `json:"records"`
	Count   int         `json:"count"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.src.Snapshot()
	resp := statusResp{Snapshot: snap}
	if snap.PID > 0 {
		if st, ok := process.ReadStats(snap.PID); ok {
			resp.Child = &st
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.src.Snapshot()
	code := http.StatusOK
	if snap.State.Terminal() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"state": snap.State})
}

func (r *Router) handleLedger(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	snap := r.src.Snapshot()
	recs, err := r.src.Ledger().Records(ctx)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	n := ledger.CountInWindow(recs, r.now(), time.Duration(snap.WindowSeconds)*time.Second)
	if recs == nil {
		recs = []time.Time{}
	}
	writeJSON(c, http.StatusOK, ledgerResp{Records: recs, Count: n})
}
