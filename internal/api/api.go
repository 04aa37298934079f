// Package api serves the sheetkit REST and websocket interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/auth"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/dlp"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/incident"
	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/patch"
	"github.com/klytics/sheetkit/internal/sheets"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/usage"
	"github.com/klytics/sheetkit/internal/xlsxio"
)

const apiPrefix = "/api/v1"

// Deps are the services the API is built on. Usage and Audit may be nil.
type Deps struct {
	Store     *store.Store
	Auth      *auth.Service
	Authz     *authz.Service
	Sheets    *sheets.Service
	Collab    *collab.Service
	Hub       *collab.Hub
	Formulas  *formula.Service
	Classify  *classify.Service
	DLP       *dlp.Service
	Audit     *audit.Service
	Incidents *incident.Service
	Patches   *patch.Service
	Usage     *usage.Service
	XLSX      *xlsxio.Service

	Version   string
	RateLimit float64
	RateBurst int
	Log       *zap.Logger
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewRouter wires every route onto a gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	h := &handler{Deps: d, log: d.Log}

	r := gin.New()
	r.Use(requestID(), recovery(h.log), accessLog(h.log), instrument(), rateLimit(newLimiter(d.RateLimit, d.RateBurst)))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group(apiPrefix)
	v1.GET("/healthz", h.healthz)
	v1.POST("/auth/register", h.register)
	v1.POST("/auth/login", h.login)

	api := v1.Group("", h.authenticate, h.track)
	api.POST("/auth/logout", h.logout)

	api.GET("/workbooks", h.listWorkbooks)
	api.POST("/workbooks", h.createWorkbook)
	api.POST("/workbooks/import", h.importWorkbook)

	wb := api.Group("/workbooks/:wb")
	wb.GET("", h.getWorkbook)
	wb.PUT("", h.updateWorkbook)
	wb.DELETE("", h.deleteWorkbook)
	wb.GET("/export", h.exportWorkbook)
	wb.GET("/live", h.requireWorkbook(authz.WorkbookRead), h.live)

	wb.GET("/worksheets", h.listWorksheets)
	wb.POST("/worksheets", h.createWorksheet)
	ws := wb.Group("/worksheets/:ws")
	ws.GET("", h.getWorksheet)
	ws.PUT("", h.renameWorksheet)
	ws.DELETE("", h.deleteWorksheet)

	ws.GET("/cells/:ref", h.getCell)
	ws.PUT("/cells/:ref", h.putCell)
	ws.DELETE("/cells/:ref", h.deleteCell)
	ws.GET("/range/:start/:end", h.getRange)
	ws.GET("/format/:range", h.getFormats)
	ws.PUT("/format/:range", h.putFormat)
	ws.DELETE("/format/:range", h.deleteFormat)

	ws.GET("/rules", h.listRules)
	ws.PUT("/rules", h.setRule)
	ws.DELETE("/rules/:rule", h.deleteRule)

	ws.GET("/charts", h.listCharts)
	ws.POST("/charts", h.createChart)
	ws.GET("/charts/:chart", h.getChart)
	ws.PUT("/charts/:chart", h.updateChart)
	ws.DELETE("/charts/:chart", h.deleteChart)

	wb.GET("/collaborators", h.listCollaborators)
	wb.POST("/collaborators", h.addCollaborator)
	wb.PUT("/collaborators/:user", h.updateCollaborator)
	wb.DELETE("/collaborators/:user", h.removeCollaborator)

	wb.GET("/sessions", h.listSessions)
	wb.POST("/sessions", h.startSession)
	wb.DELETE("/sessions/:session", h.endSession)
	wb.GET("/sessions/:session/edits", h.sessionHistory)
	wb.POST("/sessions/:session/undo", h.undo)
	wb.POST("/sessions/:session/redo", h.redo)

	wb.GET("/classification", h.requireWorkbook(authz.WorkbookRead), h.classification)
	wb.POST("/protect", h.requireWorkbook(authz.WorkbookShare), h.protect)
	wb.GET("/dlp", h.requireWorkbook(authz.WorkbookRead), h.dlpReport)

	api.POST("/formula/evaluate", h.evaluate)
	api.GET("/formula/functions", h.functions)
	api.POST("/formula/validate", h.validateFormula)

	api.POST("/incidents", h.reportIncident)
	api.GET("/incidents", h.requireAdmin, h.listIncidents)
	api.PUT("/incidents/:id/status", h.requireAdmin, h.incidentStatus)
	api.POST("/incidents/:id/escalate", h.requireAdmin, h.escalateIncident)

	admin := api.Group("/admin", h.requireAdmin)
	admin.GET("/audit", h.auditLogs)
	admin.DELETE("/audit", h.purgeAudit)
	admin.GET("/sharing", h.sharingReport)
	admin.GET("/patches", h.listPatches)
	admin.POST("/patches/check", h.checkPatches)
	admin.POST("/patches/:id/download", h.downloadPatch)
	admin.POST("/patches/:id/install", h.installPatch)
	admin.GET("/usage", h.usageStats)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
	return r
}

func (h *handler) healthz(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.Version})
}

// Server runs the router on an http.Server.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             *zap.Logger
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// NewServer builds a server for handler.
func NewServer(cfg ServerConfig, handler http.Handler, log *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", zap.Duration("timeout", s.shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
