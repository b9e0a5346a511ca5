package model

import "time"

// Keys of the portal settings stored in app_settings.
const (
	SettingExamAvailability = "exam_availability"
	SettingAcademicSession  = "academic_session"
	SettingSemester         = "semester"
)

// AppSetting represents a key-value pair for global application configuration.
type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PortalSettings is the subset of settings the session engine reads. It is
// passed explicitly into every call that needs it.
type PortalSettings struct {
	ExamAvailability bool   `json:"exam_availability"`
	AcademicSession  string `json:"session"`
	Semester         string `json:"semester"`
}

// UpdateSettingsRequest is the payload for updating portal settings.
type UpdateSettingsRequest struct {
	ExamAvailability *bool  `json:"exam_availability"`
	AcademicSession  string `json:"session" binding:"omitempty,academic_session"`
	Semester         string `json:"semester" binding:"omitempty,max=50"`
}

// AuditLog records an administrative action.
type AuditLog struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	User   string    `json:"user"`
	Time   time.Time `json:"time"`
}
