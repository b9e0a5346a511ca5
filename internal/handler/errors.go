package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/grading"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// classify maps a service or engine error to its HTTP status and code.
func classify(err error) (int, response.ErrCode) {
	var adm *engine.AdmissionError
	switch {
	case errors.As(err, &adm):
		switch adm.Reason {
		case engine.DenyPortalLocked:
			return http.StatusForbidden, response.ErrPortalLocked
		case engine.DenyAlreadySubmitted:
			return http.StatusConflict, response.ErrAlreadySubmitted
		default:
			return http.StatusNotFound, response.ErrExamNotAvailable
		}
	case errors.Is(err, engine.ErrNoSession):
		return http.StatusNotFound, response.ErrNoSession
	case errors.Is(err, engine.ErrInvalidOption):
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswer
	case errors.Is(err, engine.ErrInvalidQuestion):
		return http.StatusUnprocessableEntity, response.ErrInvalidQuestion
	case errors.Is(err, engine.ErrInvalidIndex):
		return http.StatusUnprocessableEntity, response.ErrValidation
	case errors.Is(err, engine.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, engine.ErrPersistence):
		return http.StatusServiceUnavailable, response.ErrPersistenceDegraded
	case errors.Is(err, engine.ErrCorruptSession),
		errors.Is(err, engine.ErrInvalidDefinition),
		errors.Is(err, grading.ErrZeroTotalMarks),
		errors.Is(err, grading.ErrNoQuestions):
		return http.StatusInternalServerError, response.ErrContactSupport
	case errors.Is(err, model.ErrResultNotFound), errors.Is(err, model.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, engine.ErrClosed), errors.Is(err, service.ErrSettingsUnavailable):
		return http.StatusServiceUnavailable, response.ErrUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response.ErrUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// fail writes err to the client. Server-side failures are logged.
func fail(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(code)).Str("path", c.FullPath()).Msg("request failed")
	}
	response.Fail(c, status, code)
}
