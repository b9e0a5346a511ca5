package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

// StudentPortalHandler exposes the exam attempt over REST.
type StudentPortalHandler struct {
	sessions *service.ExamSessionService
	results  *service.ResultService
	log      zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessions *service.ExamSessionService, results *service.ResultService, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessions: sessions,
		results:  results,
		log:      log.With().Str("component", "student_portal_handler").Logger(),
	}
}

type admissionResponse struct {
	Allowed bool                 `json:"allowed"`
	Reason  engine.DenyReason    `json:"reason,omitempty"`
	Result  *model.ResultSummary `json:"result,omitempty"`
}

func principal(c *gin.Context) (model.Principal, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return model.Principal{}, false
	}
	return claims.Principal(), true
}

// GetLobby godoc
// GET /api/v1/student/exams
// Lists live exams with the caller's status.
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	lobby, err := h.sessions.Lobby(c.Request.Context(), p)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, lobby)
}

// GetAdmission godoc
// GET /api/v1/student/exams/:exam_id/admission
// Reports whether the caller may start the exam, without creating anything.
func (h *StudentPortalHandler) GetAdmission(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	adm, err := h.sessions.Admit(c.Request.Context(), p, c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}

	out := admissionResponse{Allowed: adm.Allowed, Reason: adm.Reason}
	if adm.Result != nil {
		summary := adm.Result.Summary()
		out.Result = &summary
	}
	response.Success(c, http.StatusOK, out)
}

// OpenExam godoc
// POST /api/v1/student/exams/:exam_id/open
// Creates the attempt, or resumes it when one is in progress.
func (h *StudentPortalHandler) OpenExam(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	opened, err := h.sessions.Open(c.Request.Context(), p, c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, opened)
}

// GetState godoc
// GET /api/v1/student/exams/:exam_id/state
func (h *StudentPortalHandler) GetState(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	view, err := h.sessions.State(c.Request.Context(), p, c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SetAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers
func (h *StudentPortalHandler) SetAnswer(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.SetAnswer(c.Request.Context(), p, c.Param("exam_id"), req.QuestionID, *req.Option)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Navigate godoc
// PUT /api/v1/student/exams/:exam_id/position
func (h *StudentPortalHandler) Navigate(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.Navigate(c.Request.Context(), p, c.Param("exam_id"), *req.Index)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Heartbeat godoc
// POST /api/v1/student/exams/:exam_id/heartbeat
// Saves the snapshot. A failed save answers 503 with the current snapshot
// so the client keeps going while the server retries.
func (h *StudentPortalHandler) Heartbeat(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	view, err := h.sessions.Heartbeat(c.Request.Context(), p, c.Param("exam_id"))
	if errors.Is(err, engine.ErrPersistence) {
		h.log.Warn().Err(err).Str("user_id", p.UserID).Str("exam_id", c.Param("exam_id")).Msg("heartbeat not saved")
		response.FailWithData(c, http.StatusServiceUnavailable, response.ErrPersistenceDegraded, view)
		return
	}
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
// Finalizes the attempt. Submitting again returns the same result.
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	res, err := h.sessions.Submit(c.Request.Context(), p, c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// ListResults godoc
// GET /api/v1/student/results
func (h *StudentPortalHandler) ListResults(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	list, err := h.results.ListMine(c.Request.Context(), p)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}

// GetResult godoc
// GET /api/v1/student/results/:exam_id
func (h *StudentPortalHandler) GetResult(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	res, err := h.results.GetMine(c.Request.Context(), p, c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}
