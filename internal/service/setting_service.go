package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// auditLogLimit is how many entries the admin listing returns.
const auditLogLimit = 100

// SettingStore reads and writes app_settings.
type SettingStore interface {
	GetAll(ctx context.Context) ([]model.AppSetting, error)
	UpsertMany(ctx context.Context, values map[string]string) error
}

// AuditStore records administrative actions.
type AuditStore interface {
	Create(ctx context.Context, l *model.AuditLog) error
	ListLatest(ctx context.Context, limit int) ([]model.AuditLog, error)
}

type SettingService struct {
	settings SettingStore
	audit    AuditStore
	defaults model.PortalSettings
	log      zerolog.Logger
}

// NewSettingService creates a new SettingService. defaults fill any key
// missing from app_settings.
func NewSettingService(settings SettingStore, audit AuditStore, defaults model.PortalSettings, log zerolog.Logger) *SettingService {
	return &SettingService{
		settings: settings,
		audit:    audit,
		defaults: defaults,
		log:      log.With().Str("component", "setting_service").Logger(),
	}
}

// Portal reads the current portal settings.
func (s *SettingService) Portal(ctx context.Context) (model.PortalSettings, error) {
	list, err := s.settings.GetAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get all settings")
		return model.PortalSettings{}, err
	}
	return portalFromSettings(list, s.defaults), nil
}

// UpdatePortal applies req and audits an availability change by actor.
func (s *SettingService) UpdatePortal(ctx context.Context, actor string, req *model.UpdateSettingsRequest) (model.PortalSettings, error) {
	current, err := s.Portal(ctx)
	if err != nil {
		return model.PortalSettings{}, err
	}

	values := make(map[string]string, 3)
	next := current
	if req.ExamAvailability != nil {
		next.ExamAvailability = *req.ExamAvailability
		values[model.SettingExamAvailability] = strconv.FormatBool(next.ExamAvailability)
	}
	if req.AcademicSession != "" {
		next.AcademicSession = req.AcademicSession
		values[model.SettingAcademicSession] = req.AcademicSession
	}
	if req.Semester != "" {
		next.Semester = req.Semester
		values[model.SettingSemester] = req.Semester
	}
	if len(values) == 0 {
		return current, nil
	}

	if err := s.settings.UpsertMany(ctx, values); err != nil {
		s.log.Error().Err(err).Msg("failed to update settings")
		return model.PortalSettings{}, fmt.Errorf("update settings: %w", err)
	}

	if next.ExamAvailability != current.ExamAvailability {
		action := "Locked exam portal"
		if next.ExamAvailability {
			action = "Unlocked exam portal"
		}
		entry := &model.AuditLog{ID: uuid.NewString(), Action: action, User: actor, Time: time.Now().UTC()}
		if err := s.audit.Create(ctx, entry); err != nil {
			// The toggle itself succeeded; a missing audit row is logged, not returned.
			s.log.Error().Err(err).Str("actor", actor).Str("action", action).Msg("failed to write audit log")
		}
		s.log.Info().Str("actor", actor).Bool("exam_availability", next.ExamAvailability).Msg(action)
	}
	return next, nil
}

// AuditLogs returns the latest administrative actions.
func (s *SettingService) AuditLogs(ctx context.Context) ([]model.AuditLog, error) {
	return s.audit.ListLatest(ctx, auditLogLimit)
}

func portalFromSettings(list []model.AppSetting, defaults model.PortalSettings) model.PortalSettings {
	out := defaults
	for _, st := range list {
		switch st.Key {
		case model.SettingExamAvailability:
			if v, err := strconv.ParseBool(st.Value); err == nil {
				out.ExamAvailability = v
			}
		case model.SettingAcademicSession:
			if st.Value != "" {
				out.AcademicSession = st.Value
			}
		case model.SettingSemester:
			if st.Value != "" {
				out.Semester = st.Value
			}
		}
	}
	return out
}

// ErrSettingsUnavailable wraps a settings read failure seen by the exam flow.
var ErrSettingsUnavailable = errors.New("portal settings unavailable")
