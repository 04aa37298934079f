package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/model"
)

func (h *handler) classification(c *gin.Context) {
	res, err := h.Classify.ClassifyWorkbook(c.Request.Context(), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workbook_id": res.WorkbookID,
		"label":       res.Label,
		"totals":      res.Totals(),
		"worksheets":  res.Worksheets,
	})
}

func (h *handler) protect(c *gin.Context) {
	res, err := h.Classify.ApplyProtectionPolicy(c.Request.Context(), c.Param("wb"), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Authz.InvalidateWorkbook(c.Param("wb"))
	c.JSON(http.StatusOK, res)
}

func (h *handler) dlpReport(c *gin.Context) {
	rep, err := h.DLP.ApplyDLPPolicies(c.Request.Context(), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// queryTime parses an RFC 3339 timestamp or a date.
func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", model.ErrInvalid, key)
	}
	return t, nil
}

func (h *handler) auditLogs(c *gin.Context) {
	var (
		f   audit.Filter
		err error
	)
	if f.Start, err = queryTime(c, "start"); err != nil {
		h.respondError(c, err)
		return
	}
	if f.End, err = queryTime(c, "end"); err != nil {
		h.respondError(c, err)
		return
	}
	f.UserID, f.Action = c.Query("user"), c.Query("action")
	page, err := queryInt(c, "page", 1)
	if err != nil {
		h.respondError(c, err)
		return
	}
	size, err := queryInt(c, "page_size", 50)
	if err != nil {
		h.respondError(c, err)
		return
	}
	res, err := h.Audit.GetAuditLogs(c.Request.Context(), f, page, size)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) purgeAudit(c *gin.Context) {
	before, err := queryTime(c, "before")
	if err == nil && before.IsZero() {
		err = fmt.Errorf("%w: before is required", model.ErrInvalid)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	n, err := h.Audit.PurgeOldAuditLogs(c.Request.Context(), before)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (h *handler) sharingReport(c *gin.Context) {
	rep, err := h.Collab.AuditSharing(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type incidentRequest struct {
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description"`
	Severity    model.Severity `json:"severity" binding:"required"`
}

func (h *handler) reportIncident(c *gin.Context) {
	var req incidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	inc, err := h.Incidents.ReportIncident(c.Request.Context(), req.Title, req.Description, req.Severity, userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (h *handler) listIncidents(c *gin.Context) {
	var (
		list []model.Incident
		err  error
	)
	if c.Query("active") == "true" {
		list, err = h.Incidents.GetActiveIncidents(c.Request.Context())
	} else {
		list, err = h.Incidents.List(c.Request.Context())
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []model.Incident{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) incidentStatus(c *gin.Context) {
	var req struct {
		Status model.IncidentStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	inc, err := h.Incidents.UpdateIncidentStatus(c.Request.Context(), c.Param("id"), req.Status, userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *handler) escalateIncident(c *gin.Context) {
	var req struct {
		Severity model.Severity `json:"severity" binding:"required"`
		Reason   string         `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	inc, err := h.Incidents.EscalateIncident(c.Request.Context(), c.Param("id"), req.Severity, req.Reason, userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *handler) listPatches(c *gin.Context) {
	list, err := h.Patches.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []model.Patch{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) checkPatches(c *gin.Context) {
	force := c.Query("force") == "true"
	list, err := h.Patches.CheckForUpdates(c.Request.Context(), h.Version, force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []model.Patch{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) downloadPatch(c *gin.Context) {
	p, err := h.Patches.DownloadPatch(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) installPatch(c *gin.Context) {
	p, err := h.Patches.InstallPatch(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) usageStats(c *gin.Context) {
	since, err := queryTime(c, "since")
	if err != nil {
		h.respondError(c, err)
		return
	}
	until, err := queryTime(c, "until")
	if err != nil {
		h.respondError(c, err)
		return
	}
	stats, err := h.Usage.Aggregate(c.Request.Context(), since, until)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
