package model

// Role is a portal role.
type Role string

const (
	RoleStudent     Role = "student"
	RoleLecturer    Role = "lecturer"
	RoleAdmin       Role = "admin"
	RoleHOD         Role = "hod"
	RoleExamOfficer Role = "exam_officer"
)

// User is a portal account. Only the fields the exam flow needs are modelled.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Matric       string `json:"matric,omitempty"`
	Email        string `json:"email"`
	Role         Role   `json:"role"`
	PasswordHash string `json:"-"`
}

// Principal is the authenticated caller of an engine operation.
type Principal struct {
	UserID string
	Name   string
	Matric string
	Role   Role
}

// LoginRequest is the payload for logging in.
type LoginRequest struct {
	UserID   string `json:"user_id" binding:"required,max=64"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}
