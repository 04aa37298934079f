package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxImportSize caps uploaded workbooks.
const maxImportSize = 32 << 20

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalid, key)
	}
	return n, nil
}

func (h *handler) listWorkbooks(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		h.respondError(c, err)
		return
	}
	size, err := queryInt(c, "page_size", 20)
	if err != nil {
		h.respondError(c, err)
		return
	}
	wbs, total, err := h.Sheets.ListWorkbooks(c.Request.Context(), userID(c), page, size)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if wbs == nil {
		wbs = []model.Workbook{}
	}
	c.JSON(http.StatusOK, gin.H{"workbooks": wbs, "total": total, "page": page, "page_size": size})
}

type workbookRequest struct {
	Name     string `json:"name"`
	IsShared *bool  `json:"is_shared"`
}

func (h *handler) createWorkbook(c *gin.Context) {
	var req workbookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	wb, err := h.Sheets.CreateWorkbook(c.Request.Context(), userID(c), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wb)
}

func (h *handler) getWorkbook(c *gin.Context) {
	wb, err := h.Sheets.GetWorkbook(c.Request.Context(), userID(c), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wb)
}

func (h *handler) updateWorkbook(c *gin.Context) {
	var req workbookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	if err := h.Sheets.UpdateWorkbook(c.Request.Context(), userID(c), c.Param("wb"), req.Name, req.IsShared); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) deleteWorkbook(c *gin.Context) {
	if err := h.Sheets.DeleteWorkbook(c.Request.Context(), userID(c), c.Param("wb")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) importWorkbook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImportSize)
	fh, err := c.FormFile("file")
	if err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer f.Close()

	name := c.PostForm("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename))
	}
	wb, err := h.XLSX.Import(c.Request.Context(), f, userID(c), name)
	metrics.Imported("api", err)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wb)
}

func (h *handler) exportWorkbook(c *gin.Context) {
	ctx, uid, wbID := c.Request.Context(), userID(c), c.Param("wb")
	wb, err := h.Sheets.GetWorkbook(ctx, uid, wbID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var buf bytes.Buffer
	switch format := c.DefaultQuery("format", "xlsx"); format {
	case "xlsx":
		if err := h.XLSX.Export(ctx, uid, wbID, &buf); err != nil {
			h.respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", wb.Name+".xlsx"))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	case "csv":
		wsID := c.Query("worksheet")
		if wsID == "" {
			sheets, err := h.Sheets.ListWorksheets(ctx, uid, wbID)
			if err != nil {
				h.respondError(c, err)
				return
			}
			wsID = sheets[0].ID
		}
		if err := h.XLSX.ExportCSV(ctx, uid, wbID, wsID, &buf); err != nil {
			h.respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", wb.Name+".csv"))
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
	default:
		h.respondError(c, fmt.Errorf("%w: unknown export format %q", model.ErrInvalid, format))
	}
}

func (h *handler) listWorksheets(c *gin.Context) {
	list, err := h.Sheets.ListWorksheets(c.Request.Context(), userID(c), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type worksheetRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *handler) createWorksheet(c *gin.Context) {
	var req worksheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	ws, err := h.Sheets.CreateWorksheet(c.Request.Context(), userID(c), c.Param("wb"), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (h *handler) getWorksheet(c *gin.Context) {
	ws, err := h.Sheets.GetWorksheet(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *handler) renameWorksheet(c *gin.Context) {
	var req worksheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	ws, err := h.Sheets.RenameWorksheet(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws"), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *handler) deleteWorksheet(c *gin.Context) {
	if err := h.Sheets.DeleteWorksheet(c.Request.Context(), userID(c), c.Param("wb"), c.Param("ws")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
