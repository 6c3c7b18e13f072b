// Package server exposes the orchestrator, guard rules and restart ledger
// over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/loykin/portkill/internal/guard"
	"github.com/loykin/portkill/internal/ledger"
	"github.com/loykin/portkill/internal/metrics"
	"github.com/loykin/portkill/internal/orchestrator"
)

// Services is the part of the orchestrator the API drives.
type Services interface {
	Status() []orchestrator.ServiceStatus
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	StartAll(ctx context.Context) (*orchestrator.StartReport, error)
	StopAll(ctx context.Context) error
}

type Rules interface {
	Rules() map[guard.Target]guard.Policy
	AddRule(t guard.Target, p guard.Policy)
	RemoveRule(t guard.Target)
}

type Ledger interface {
	All() []ledger.Record
	Clear(port int) error
}

// Restarter replaces the occupant of a port with its ledger recipe.
type Restarter interface {
	RestartPort(ctx context.Context, port int) (int, error)
}

// Deps are the components behind the API; any may be nil, in which case
// its routes answer 503.
type Deps struct {
	Services  Services
	Rules     Rules
	Ledger    Ledger
	Restarter Restarter
	Log       *slog.Logger
	Metrics   bool // serve /metrics
}

// Router provides embeddable HTTP handlers.
// Endpoints, relative to basePath:
//
//	GET    /api/services
//	POST   /api/services/start-all
//	POST   /api/services/stop-all
//	POST   /api/services/:name/start|stop|restart
//	GET    /api/guard/rules
//	PUT    /api/guard/rules/:port     body: {"allow": "node"} or {} for kill-all
//	DELETE /api/guard/rules/:port
//	GET    /api/ledger
//	POST   /api/ledger/:port/restart
//	DELETE /api/ledger/:port
//	GET    /metrics
type Router struct {
	deps     Deps
	basePath string
}

func NewRouter(deps Deps, basePath string) *Router {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group(r.basePath)
	api := root.Group("/api")

	svc := api.Group("/services")
	svc.GET("", r.handleServices)
	svc.POST("/start-all", r.handleStartAll)
	svc.POST("/stop-all", r.handleStopAll)
	svc.POST("/:name/:action", r.handleServiceAction)

	api.GET("/guard/rules", r.handleRules)
	api.PUT("/guard/rules/:port", r.handlePutRule)
	api.DELETE("/guard/rules/:port", r.handleDeleteRule)

	api.GET("/ledger", r.handleLedger)
	api.POST("/ledger/:port/restart", r.handleLedgerRestart)
	api.DELETE("/ledger/:port", r.handleLedgerClear)

	if r.deps.Metrics {
		root.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

func unavailable(c *gin.Context, what string) {
	writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: what + " is not configured"})
}

// --- services ---

func (r *Router) handleServices(c *gin.Context) {
	if r.deps.Services == nil {
		unavailable(c, "service graph")
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Services.Status())
}

type startAllResp struct {
	*orchestrator.StartReport
	Error string `json:"error,omitempty"`
}

func (r *Router) handleStartAll(c *gin.Context) {
	if r.deps.Services == nil {
		unavailable(c, "service graph")
		return
	}
	rep, err := r.deps.Services.StartAll(c.Request.Context())
	if err != nil {
		if rep == nil {
			writeError(c, err)
			return
		}
		writeJSON(c, statusFor(err), startAllResp{StartReport: rep, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, startAllResp{StartReport: rep})
}

func (r *Router) handleStopAll(c *gin.Context) {
	if r.deps.Services == nil {
		unavailable(c, "service graph")
		return
	}
	if err := r.deps.Services.StopAll(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleServiceAction(c *gin.Context) {
	if r.deps.Services == nil {
		unavailable(c, "service graph")
		return
	}
	name := c.Param("name")
	if !validServiceName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	var op func(context.Context, string) error
	switch c.Param("action") {
	case "start":
		op = r.deps.Services.Start
	case "stop":
		op = r.deps.Services.Stop
	case "restart":
		op = r.deps.Services.Restart
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	if err := op(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- guard rules ---

type ruleResp struct {
	Port   int    `json:"port,omitempty"`
	File   string `json:"file,omitempty"`
	Allow  string `json:"allow,omitempty"`
	Policy string `json:"policy"`
}

type ruleReq struct {
	Allow string `json:"allow"`
}

func (r *Router) handleRules(c *gin.Context) {
	if r.deps.Rules == nil {
		unavailable(c, "guard")
		return
	}
	rules := r.deps.Rules.Rules()
	out := make([]ruleResp, 0, len(rules))
	for t, p := range rules {
		out = append(out, ruleResp{Port: t.Port, File: t.File, Allow: p.Allowed, Policy: p.String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].File < out[j].File
	})
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handlePutRule(c *gin.Context) {
	if r.deps.Rules == nil {
		unavailable(c, "guard")
		return
	}
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	var req ruleReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	p := guard.PolicyFor(req.Allow)
	r.deps.Rules.AddRule(guard.PortTarget(port), p)
	writeJSON(c, http.StatusOK, ruleResp{Port: port, Allow: p.Allowed, Policy: p.String()})
}

func (r *Router) handleDeleteRule(c *gin.Context) {
	if r.deps.Rules == nil {
		unavailable(c, "guard")
		return
	}
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	r.deps.Rules.RemoveRule(guard.PortTarget(port))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- ledger ---

func (r *Router) handleLedger(c *gin.Context) {
	if r.deps.Ledger == nil {
		unavailable(c, "restart ledger")
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Ledger.All())
}

type restartResp struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

func (r *Router) handleLedgerRestart(c *gin.Context) {
	if r.deps.Restarter == nil {
		unavailable(c, "restart ledger")
		return
	}
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	pid, err := r.deps.Restarter.RestartPort(c.Request.Context(), port)
	if err != nil {
		r.deps.Log.Warn("ledger restart failed", "port", port, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, restartResp{Port: port, PID: pid})
}

func (r *Router) handleLedgerClear(c *gin.Context) {
	if r.deps.Ledger == nil {
		unavailable(c, "restart ledger")
		return
	}
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	if err := r.deps.Ledger.Clear(port); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
