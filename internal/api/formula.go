package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/metrics"
)

type evaluateRequest struct {
	WorkbookID  string `json:"workbook_id" binding:"required"`
	WorksheetID string `json:"worksheet_id" binding:"required"`
	Formula     string `json:"formula" binding:"required"`
}

// evaluate answers 200 even when the calculation itself fails; the body
// then carries the Excel error code and the reason.
func (h *handler) evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	ctx := c.Request.Context()
	if err := h.Authz.Require(ctx, userID(c), req.WorkbookID, authz.CellRead); err != nil {
		h.respondError(c, err)
		return
	}
	value, err := h.Formulas.Evaluate(ctx, req.WorkbookID, req.WorksheetID, req.Formula)
	metrics.FormulaEvaluated(err)
	switch {
	case errors.Is(err, formula.ErrEvaluation):
		c.JSON(http.StatusOK, gin.H{"value": value, "error": err.Error()})
	case err != nil:
		h.respondError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"value": value})
	}
}

func (h *handler) functions(c *gin.Context) {
	c.JSON(http.StatusOK, formula.Functions())
}

func (h *handler) validateFormula(c *gin.Context) {
	var req struct {
		Formula string `json:"formula"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	c.JSON(http.StatusOK, formula.Validate(req.Formula))
}
