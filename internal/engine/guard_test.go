package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

func TestGuardAdmit(t *testing.T) {
	lecturer := model.Principal{UserID: "l-1", Role: model.RoleLecturer}
	locked := model.PortalSettings{ExamAvailability: false}

	tests := []struct {
		name      string
		principal model.Principal
		examID    string
		settings  model.PortalSettings
		submitted bool
		allowed   bool
		reason    DenyReason
	}{
		{name: "open portal, live exam", principal: student(), examID: "live", settings: openPortal(), allowed: true},
		{name: "locked portal gates students", principal: student(), examID: "live", settings: locked, reason: DenyPortalLocked},
		{name: "locked portal exempts staff", principal: lecturer, examID: "live", settings: locked, allowed: true},
		{name: "lock checked before result", principal: student(), examID: "live", settings: locked, submitted: true, reason: DenyPortalLocked},
		{name: "already submitted", principal: student(), examID: "live", settings: openPortal(), submitted: true, reason: DenyAlreadySubmitted},
		{name: "result checked before availability", principal: student(), examID: "draft", settings: openPortal(), submitted: true, reason: DenyAlreadySubmitted},
		{name: "draft exam", principal: student(), examID: "draft", settings: openPortal(), reason: DenyExamUnavailable},
		{name: "archived exam", principal: student(), examID: "archived", settings: openPortal(), reason: DenyExamUnavailable},
		{name: "missing exam", principal: student(), examID: "nope", settings: openPortal(), reason: DenyExamUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			for id, status := range map[string]model.ExamStatus{
				"live": model.ExamStatusLive, "draft": model.ExamStatusDraft, "archived": model.ExamStatusArchived,
			} {
				def := twoQuestionExam()
				def.ID, def.Status = id, status
				store.PutExam(def)
			}
			if tc.submitted {
				err := store.InsertResult(testCtx(t), &model.ExamResult{
					UserID: tc.principal.UserID, ExamID: tc.examID, SubmittedAt: time.Now(),
				})
				assert(t, err == nil, "seed result: %v", err)
			}

			g := NewGuard(store, store, nil)
			adm, err := g.Admit(testCtx(t), tc.principal, tc.examID, tc.settings)
			assert(t, err == nil, "unexpected error: %v", err)
			assert(t, adm.Allowed == tc.allowed, "expected allowed=%v, got %v (%s)", tc.allowed, adm.Allowed, adm.Reason)
			assert(t, adm.Reason == tc.reason, "expected reason=%q, got %q", tc.reason, adm.Reason)

			if tc.allowed {
				assert(t, adm.Definition != nil && adm.Err() == nil, "allowed admission must carry the definition")
			} else {
				assert(t, errors.Is(adm.Err(), &AdmissionError{Reason: tc.reason}), "Err() should match reason")
			}
			if tc.reason == DenyAlreadySubmitted {
				assert(t, adm.Result != nil, "denial should carry the stored result")
			}
		})
	}
}

func TestGuard_CustomGatedRoles(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutExam(twoQuestionExam())

	g := NewGuard(store, store, []model.Role{model.RoleStudent, model.RoleLecturer})
	adm, err := g.Admit(testCtx(t), model.Principal{UserID: "l", Role: model.RoleLecturer}, "exam-1", model.PortalSettings{})
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, adm.Reason == DenyPortalLocked, "lecturer should be gated, got %q", adm.Reason)

	adm, err = g.Admit(testCtx(t), model.Principal{UserID: "a", Role: model.RoleAdmin}, "exam-1", model.PortalSettings{})
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, adm.Allowed, "admin should be exempt")
}

func TestGuard_EmptyGatedRolesKeepsStudentsGated(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutExam(twoQuestionExam())

	for _, roles := range [][]model.Role{nil, {}} {
		g := NewGuard(store, store, roles)
		assert(t, g.Gated(model.RoleStudent), "students must stay gated with roles %v", roles)
		adm, err := g.Admit(testCtx(t), student(), "exam-1", model.PortalSettings{})
		assert(t, err == nil, "unexpected error: %v", err)
		assert(t, adm.Reason == DenyPortalLocked, "locked portal should deny, got %q", adm.Reason)
	}
}

func TestAdmissionErrorMatching(t *testing.T) {
	err := error(&AdmissionError{Reason: DenyAlreadySubmitted})
	assert(t, errors.Is(err, ErrAlreadySubmitted), "should match ErrAlreadySubmitted")
	assert(t, !errors.Is(err, ErrPortalLocked), "should not match ErrPortalLocked")
}
