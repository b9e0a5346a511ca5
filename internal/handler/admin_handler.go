package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

// AdminHandler serves portal settings, the audit log and exam results to staff.
type AdminHandler struct {
	settings *service.SettingService
	results  *service.ResultService
	log      zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(settings *service.SettingService, results *service.ResultService, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		settings: settings,
		results:  results,
		log:      log.With().Str("component", "admin_handler").Logger(),
	}
}

// GetSettings godoc
// GET /api/v1/admin/settings
func (h *AdminHandler) GetSettings(c *gin.Context) {
	settings, err := h.settings.Portal(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}

// UpdateSettings godoc
// PUT /api/v1/admin/settings
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.UpdateSettingsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	actor := claims.Name
	if actor == "" {
		actor = claims.UserID
	}
	settings, err := h.settings.UpdatePortal(c.Request.Context(), actor, &req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}

// ListAuditLogs godoc
// GET /api/v1/admin/audit-logs
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	logs, err := h.settings.AuditLogs(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, logs)
}

// ListExamResults godoc
// GET /api/v1/admin/exams/:exam_id/results
func (h *AdminHandler) ListExamResults(c *gin.Context) {
	list, err := h.results.ListByExam(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}
