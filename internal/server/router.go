package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/servo/internal/logring"
	"github.com/loykin/servo/internal/metrics"
	"github.com/loykin/servo/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the orchestrator.
// Endpoints:
//   GET  {basePath}/status-all
//   GET  {basePath}/registry
//   GET  {basePath}/services/:id/logs?lines=N
//   GET  {basePath}/services/:id/processes
//   GET  {basePath}/services/:id/history?limit=N
//   POST {basePath}/services/:id/actions   body: {"action": "..."}
//   POST {basePath}/services/:id/kill      body: {"force": bool}
//   POST {basePath}/restart
//   GET  {basePath}/health
//   GET  {basePath}/metrics
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	orch     *supervisor.Orchestrator
	basePath string
}

// NewRouter constructs a Router with a configurable basePath. Example
// basePath "/api" results in /api/status-all etc.
func NewRouter(orch *supervisor.Orchestrator, basePath string) *Router {
	return &Router{orch: orch, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status-all", r.handleStatusAll)
	group.GET("/registry", r.handleRegistry)
	group.GET("/services/:id/logs", r.handleLogs)
	group.GET("/services/:id/processes", r.handleProcesses)
	group.GET("/services/:id/history", r.handleHistory)
	group.POST("/services/:id/actions", r.handleAction)
	group.POST("/services/:id/kill", r.handleKill)
	group.POST("/restart", r.handleRestart)
	group.GET("/health", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orch *supervisor.Orchestrator) (*http.Server, error) {
	r := NewRouter(orch, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

type okResp struct {
	Success bool `json:"success"`
}

func fail(c *gin.Context, err error) {
	code := supervisor.CodeOf(err)
	writeJSON(c, statusFor(code), errorResp{Error: err.Error(), Code: string(code)})
}

// statusFor maps fault codes onto HTTP statuses: unknown ids are 404,
// rejected transitions are 409, everything else failed server-side.
func statusFor(code supervisor.Code) int {
	switch code {
	case supervisor.CodeUnknownService:
		return http.StatusNotFound
	case supervisor.CodeInvalidState, supervisor.CodeCircuitOpen,
		supervisor.CodeRestartInProgress, supervisor.CodeKillInProgress:
		return http.StatusConflict
	case "":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStatusAll(c *gin.Context) {
	info, services := r.orch.StatusAll()
	writeJSON(c, http.StatusOK, gin.H{
		"success":      true,
		"orchestrator": info,
		"services":     services,
	})
}

func (r *Router) handleRegistry(c *gin.Context) {
	defs := r.orch.Definitions()
	writeJSON(c, http.StatusOK, gin.H{
		"success":  true,
		"services": defs,
		"count":    len(defs),
	})
}

func (r *Router) handleLogs(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	lines := intQuery(c, "lines", 100, logring.DefaultCapacity)
	logs, err := r.orch.Logs(id, lines)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success":   true,
		"serviceId": id,
		"logs": gin.H{
			"stdout": logs.Stdout,
			"stderr": logs.Stderr,
		},
	})
}

func (r *Router) handleProcesses(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	info, err := r.orch.ProcessInfo(id)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success":      true,
		"serviceId":    id,
		"mainProcess":  info.MainProcess,
		"killTracking": info.KillTracking,
	})
}

func (r *Router) handleHistory(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	limit := intQuery(c, "limit", 50, 1000)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	recent, err := r.orch.History(ctx, id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success":     true,
		"serviceId":   id,
		"transitions": recent,
	})
}

type actionReq struct {
	Action string `json:"action"`
}

func (r *Router) handleAction(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	var req actionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	var err error
	switch req.Action {
	case "start":
		err = r.orch.Start(ctx, id)
	case "stop":
		err = r.orch.Stop(ctx, id)
	case "restart":
		err = r.orch.Restart(ctx, id)
	case "reset-circuit", "resetCircuit":
		err = r.orch.ResetCircuit(ctx, id)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown action: allowed start, stop, restart, resetCircuit"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{Success: true})
}

type killReq struct {
	Force bool `json:"force"`
}

func (r *Router) handleKill(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	var req killReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if err := r.orch.Kill(c.Request.Context(), id, req.Force); err != nil {
		fail(c, err)
		return
	}
	info, err := r.orch.ProcessInfo(id)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success":      true,
		"killTracking": info.KillTracking,
	})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.orch.FullRestart(); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{Success: true})
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.orch.Restarting() {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{
			"success": false,
			"status":  "restarting",
		})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success": true,
		"status":  "ok",
	})
}

func intQuery(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
