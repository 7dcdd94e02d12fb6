package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/pipeline"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
)

type handler struct {
	svc    *pipeline.Service
	access AccessChecker
}

func (h *handler) register(rg *gin.RouterGroup) {
	rg.POST("/documents", h.upload)
	rg.POST("/reports", h.submit)
	rg.GET("/stages/:kind", h.stages)

	reports := rg.Group("/reports/:id", h.authorize)
	reports.GET("", h.status)
	reports.GET("/insights", h.insights)
	reports.GET("/insights/:stage/history", h.history)
	reports.POST("/cancel", h.cancel)
	reports.POST("/stages/:stage/rerun", h.rerun)
	reports.POST("/ask", h.ask)
}

func (h *handler) authorize(c *gin.Context) {
	if !h.access.CanAccess(c.Request.Context(), UserID(c), c.Param("id")) {
		respondError(c, http.StatusForbidden, "forbidden", "no access to report")
		return
	}
	c.Next()
}

func (h *handler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "unable to read file")
		return
	}
	defer f.Close()

	ref, err := h.svc.Upload(c.Request.Context(), fh.Filename, f)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document_ref": ref})
}

type submitRequest struct {
	ReportID    string                `json:"report_id"`
	DocumentRef string                `json:"document_ref" binding:"required"`
	Kind        analysis.DocumentKind `json:"kind" binding:"required"`
}

func (h *handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return
	}
	r, err := h.svc.Submit(c.Request.Context(), pipeline.SubmitRequest{
		ReportID:    req.ReportID,
		OwnerID:     UserID(c),
		DocumentRef: req.DocumentRef,
		Kind:        req.Kind,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, r)
}

func (h *handler) status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// insights returns the current insight per stage, or a filtered list when
// any of stage, min_confidence, all, limit or offset is given.
func (h *handler) insights(c *gin.Context) {
	q := c.Request.URL.Query()
	if len(q) == 0 {
		current, err := h.svc.Insights(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"insights": current})
		return
	}

	filter := insights.Filter{
		Stage:       analysis.StageName(q.Get("stage")),
		CurrentOnly: q.Get("all") != "true",
	}
	var err error
	if v := q.Get("min_confidence"); v != "" {
		var conf float64
		if conf, err = strconv.ParseFloat(v, 64); err != nil || conf < 0 || conf > 1 {
			respondError(c, http.StatusBadRequest, "validation_error", "min_confidence must be between 0 and 1")
			return
		}
		filter.MinConfidence = &conf
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "offset must be a non-negative integer")
		return
	}

	list, err := h.svc.ListInsights(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": list})
}

func (h *handler) history(c *gin.Context) {
	list, err := h.svc.History(c.Request.Context(), c.Param("id"), analysis.StageName(c.Param("stage")))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": list})
}

func (h *handler) cancel(c *gin.Context) {
	st, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) rerun(c *gin.Context) {
	st, err := h.svc.Rerun(c.Request.Context(), c.Param("id"), analysis.StageName(c.Param("stage")))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
}

func (h *handler) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "question is required")
		return
	}
	ans, err := h.svc.Ask(c.Request.Context(), c.Param("id"), req.Question)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ans)
}

func (h *handler) stages(c *gin.Context) {
	defs, err := h.svc.Stages(analysis.DocumentKind(strings.ToLower(c.Param("kind"))))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": c.Param("kind"), "stages": defs})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
