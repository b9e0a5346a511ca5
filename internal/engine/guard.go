package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Admission is the guard's verdict for one (user, exam) pair.
type Admission struct {
	Allowed    bool
	Reason     DenyReason
	Definition *model.ExamDefinition
	// Result is set when Reason is DenyAlreadySubmitted.
	Result *model.ExamResult
}

// Err returns the admission error, or nil when allowed.
func (a *Admission) Err() error {
	if a.Allowed {
		return nil
	}
	return &AdmissionError{Reason: a.Reason}
}

// Guard enforces the portal lock and the single-attempt rule. It only reads.
type Guard struct {
	results ResultStore
	exams   ExamSource
	gated   map[model.Role]struct{}
}

// NewGuard creates a Guard. Only principals whose role is in gatedRoles are
// subject to the portal lock; nil gates students only.
func NewGuard(results ResultStore, exams ExamSource, gatedRoles []model.Role) *Guard {
	if len(gatedRoles) == 0 {
		// An empty list would leave the portal lock gating nobody.
		gatedRoles = []model.Role{model.RoleStudent}
	}
	gated := make(map[model.Role]struct{}, len(gatedRoles))
	for _, r := range gatedRoles {
		gated[r] = struct{}{}
	}
	return &Guard{results: results, exams: exams, gated: gated}
}

// Gated reports whether role is subject to the portal lock.
func (g *Guard) Gated(role model.Role) bool {
	_, ok := g.gated[role]
	return ok
}

// Admit evaluates, in order: portal lock, existing result, exam availability.
// Settings are passed per call because availability can change at any time.
// A non-nil error means a store failure, not a denial.
func (g *Guard) Admit(ctx context.Context, p model.Principal, examID string, settings model.PortalSettings) (*Admission, error) {
	if !settings.ExamAvailability && g.Gated(p.Role) {
		return &Admission{Reason: DenyPortalLocked}, nil
	}

	res, err := g.checkResult(ctx, p.UserID, examID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return &Admission{Reason: DenyAlreadySubmitted, Result: res}, nil
	}

	def, err := g.exams.GetDefinition(ctx, examID)
	if errors.Is(err, model.ErrExamNotFound) {
		return &Admission{Reason: DenyExamUnavailable}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get exam: %v", ErrPersistence, err)
	}
	if def.Status != model.ExamStatusLive {
		return &Admission{Reason: DenyExamUnavailable}, nil
	}

	return &Admission{Allowed: true, Definition: def}, nil
}

// checkResult returns the stored result for the pair, or nil when none exists.
func (g *Guard) checkResult(ctx context.Context, userID, examID string) (*model.ExamResult, error) {
	res, err := g.results.LoadResult(ctx, userID, examID)
	if errors.Is(err, model.ErrResultNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load result: %v", ErrPersistence, err)
	}
	return res, nil
}
