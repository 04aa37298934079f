package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/sheets"
)

func (h *handler) getCell(c *gin.Context) {
	cell, err := h.Sheets.GetCell(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("ref"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cell)
}

type cellRequest struct {
	Value           string `json:"value"`
	Formula         string `json:"formula"`
	ExpectedVersion *int64 `json:"expected_version"`
}

func (h *handler) putCell(c *gin.Context) {
	var req cellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	cell, err := h.Sheets.UpdateCell(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), sheets.CellInput{
		Reference:       c.Param("ref"),
		Value:           req.Value,
		Formula:         req.Formula,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	kind := "value"
	if req.Formula != "" || strings.HasPrefix(req.Value, "=") {
		kind = "formula"
	}
	metrics.CellWritten(kind)
	c.JSON(http.StatusOK, cell)
}

func (h *handler) deleteCell(c *gin.Context) {
	if err := h.Sheets.ClearCell(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("ref")); err != nil {
		h.respondError(c, err)
		return
	}
	metrics.CellWritten("clear")
	c.Status(http.StatusNoContent)
}

func (h *handler) getRange(c *gin.Context) {
	cells, err := h.Sheets.GetRange(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("start"), c.Param("end"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if cells == nil {
		cells = []model.Cell{}
	}
	c.JSON(http.StatusOK, cells)
}

func (h *handler) getFormats(c *gin.Context) {
	formats, err := h.Sheets.ListFormats(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("range"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, formats)
}

func (h *handler) putFormat(c *gin.Context) {
	var f model.CellFormat
	if err := c.ShouldBindJSON(&f); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	n, err := h.Sheets.SetFormat(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("range"), f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": n})
}

func (h *handler) deleteFormat(c *gin.Context) {
	n, err := h.Sheets.ClearFormat(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("range"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": n})
}

func (h *handler) listRules(c *gin.Context) {
	rules, err := h.Sheets.ListRules(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rules == nil {
		rules = []model.ValidationRule{}
	}
	c.JSON(http.StatusOK, rules)
}

func (h *handler) setRule(c *gin.Context) {
	var rule model.ValidationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	out, err := h.Sheets.SetRule(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), rule)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) deleteRule(c *gin.Context) {
	if err := h.Sheets.DeleteRule(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("rule")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listCharts(c *gin.Context) {
	charts, err := h.Sheets.ListCharts(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if charts == nil {
		charts = []model.Chart{}
	}
	c.JSON(http.StatusOK, charts)
}

func (h *handler) createChart(c *gin.Context) {
	var ch model.Chart
	if err := c.ShouldBindJSON(&ch); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	out, err := h.Sheets.CreateChart(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), ch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handler) getChart(c *gin.Context) {
	ch, err := h.Sheets.GetChart(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("chart"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *handler) updateChart(c *gin.Context) {
	var ch model.Chart
	if err := c.ShouldBindJSON(&ch); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	out, err := h.Sheets.UpdateChart(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("chart"), ch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) deleteChart(c *gin.Context) {
	if err := h.Sheets.DeleteChart(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), c.Param("chart")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
