package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendscan/internal/attendance"
	"attendscan/internal/export"
	"attendscan/internal/metrics"
	"attendscan/internal/model"
	"attendscan/internal/roster"
	"attendscan/internal/session"
	"attendscan/internal/store"
	"attendscan/pkg/logger"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck = func(ctx context.Context) bool

type Handler struct {
	roster     *roster.Service
	attendance *attendance.Service
	formatter  export.Formatter
	metrics    *metrics.Metrics
	checks     map[string]HealthCheck
	log        *zap.Logger
}

func New(r *roster.Service, a *attendance.Service, f export.Formatter, m *metrics.Metrics, checks map[string]HealthCheck, log *zap.Logger) *Handler {
	return &Handler{
		roster:     r,
		attendance: a,
		formatter:  f,
		metrics:    m,
		checks:     checks,
		log:        logger.OrNop(log),
	}
}

// Register mounts the API routes.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	{
		v1.GET("/classes", h.ListClasses)
		v1.POST("/classes", h.CreateClass)
		v1.GET("/classes/:id", h.GetClass)
		v1.PUT("/classes/:id", h.UpdateClass)
		v1.DELETE("/classes/:id", h.DeleteClass)
		v1.POST("/classes/:id/students/import", h.ImportStudents)
		v1.POST("/classes/:id/session", h.OpenSession)

		v1.GET("/session", h.CurrentSession)
		v1.POST("/session/start", h.StartSession)
		v1.POST("/session/toggle", h.ToggleSession)
		v1.POST("/session/students/:studentId", h.MarkStudent)
		v1.POST("/session/finish", h.FinishSession)
		v1.DELETE("/session", h.AbandonSession)

		v1.GET("/reports", h.ListReports)
		v1.GET("/reports/:id", h.GetReport)
		v1.DELETE("/reports/:id", h.DeleteReport)
		v1.GET("/reports/:id/export.csv", h.ExportCSV)
		v1.GET("/reports/:id/export.xlsx", h.ExportXLSX)
	}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Classes ----------

func (h *Handler) ListClasses(c *gin.Context) {
	classes, err := h.roster.ListClasses(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if classes == nil {
		classes = []model.Class{}
	}
	c.JSON(http.StatusOK, classes)
}

func (h *Handler) GetClass(c *gin.Context) {
	class, err := h.roster.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, class)
}

func (h *Handler) CreateClass(c *gin.Context) {
	var class model.Class
	if err := c.ShouldBindJSON(&class); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	class.ID = ""
	saved, err := h.roster.SaveClass(c.Request.Context(), class)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) UpdateClass(c *gin.Context) {
	var class model.Class
	if err := c.ShouldBindJSON(&class); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.roster.GetClass(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	class.ID = c.Param("id")
	saved, err := h.roster.SaveClass(ctx, class)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) DeleteClass(c *gin.Context) {
	if err := h.roster.DeleteClass(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ImportStudents expects a multipart form with an xlsx "file".
func (h *Handler) ImportStudents(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	defer file.Close()

	class, n, err := h.roster.ImportStudents(c.Request.Context(), c.Param("id"), file)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n, "class": class})
}

// ---------- Session ----------

func (h *Handler) OpenSession(c *gin.Context) {
	view, err := h.attendance.OpenSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) CurrentSession(c *gin.Context) {
	h.respondView(c)(h.attendance.Current())
}

func (h *Handler) StartSession(c *gin.Context) {
	h.respondView(c)(h.attendance.Start())
}

func (h *Handler) ToggleSession(c *gin.Context) {
	h.respondView(c)(h.attendance.Toggle())
}

func (h *Handler) MarkStudent(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respondView(c)(h.attendance.Mark(c.Param("studentId"), status))
}

func (h *Handler) FinishSession(c *gin.Context) {
	rep, err := h.attendance.Finish(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rep)
}

func (h *Handler) AbandonSession(c *gin.Context) {
	if err := h.attendance.Abandon(); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) respondView(c *gin.Context) func(attendance.View, error) {
	return func(view attendance.View, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ---------- Reports ----------

type reportSummary struct {
	ID           string    `json:"id"`
	ClassID      string    `json:"classId"`
	ClassName    string    `json:"className"`
	Date         string    `json:"date"`
	GeneratedAt  time.Time `json:"generatedAt"`
	PresentCount int       `json:"presentCount"`
	Total        int       `json:"total"`
}

func (h *Handler) ListReports(c *gin.Context) {
	reports, err := h.roster.ListReports(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]reportSummary, 0, len(reports))
	for _, r := range reports {
		out = append(out, reportSummary{
			ID:           r.ID,
			ClassID:      r.ClassID,
			ClassName:    r.ClassName,
			Date:         r.Date,
			GeneratedAt:  r.GeneratedAt,
			PresentCount: r.PresentCount(),
			Total:        len(r.Records),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetReport(c *gin.Context) {
	rep, err := h.roster.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) DeleteReport(c *gin.Context) {
	if err := h.roster.DeleteReport(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ExportCSV(c *gin.Context) {
	h.export(c, "csv", "text/csv; charset=utf-8", h.formatter.CSV)
}

func (h *Handler) ExportXLSX(c *gin.Context) {
	h.export(c, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", h.formatter.XLSX)
}

func (h *Handler) export(c *gin.Context, ext, contentType string, render func(model.AttendanceReport) ([]byte, error)) {
	rep, err := h.roster.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := render(rep)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Exported(ext)
	}
	c.Header("Content-Disposition", `attachment; filename="`+export.Filename(rep, ext)+`"`)
	c.Data(http.StatusOK, contentType, data)
}

// ---------- Errors ----------

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	var vErr *roster.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "fields": vErr.FieldErrors})
	case errors.Is(err, roster.ErrNotFound),
		errors.Is(err, attendance.ErrNoActiveSession),
		errors.Is(err, session.ErrUnknownStudent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrEmptyRoster),
		errors.Is(err, session.ErrSessionComplete):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidStatus),
		errors.Is(err, roster.ErrInvalidWorkbook):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		if errors.Is(err, store.ErrMalformedCollection) {
			h.log.Error("stored collection is corrupt", zap.Error(err))
		} else {
			h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
