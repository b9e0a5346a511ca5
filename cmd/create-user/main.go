package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

var roles = []model.Role{
	model.RoleStudent,
	model.RoleLecturer,
	model.RoleAdmin,
	model.RoleHOD,
	model.RoleExamOfficer,
}

func main() {
	var reset string
	flag.StringVar(&reset, "reset", "", "Reset the password of an existing user ID instead of creating one")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, 2, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	userRepo := repository.NewUserRepository(pool)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	if reset != "" {
		fmt.Printf("=== Reset Password for %s ===\n", reset)
		hash, ok := readPassword(cfg.BcryptCost)
		if !ok {
			return
		}
		if err := userRepo.UpdatePassword(ctx, reset, hash); err != nil {
			if errors.Is(err, model.ErrUserNotFound) {
				fmt.Println("Error: no user with that ID")
				return
			}
			log.Fatal().Err(err).Msg("Failed to update password")
		}
		fmt.Println("\nSuccess! Password updated.")
		return
	}

	fmt.Println("=== Create New User ===")

	name := prompt(reader, "Enter Name: ")
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	email := prompt(reader, "Enter Email: ")
	if email == "" {
		fmt.Println("Error: Email is required")
		return
	}

	role := model.Role(prompt(reader, "Enter Role (student, lecturer, admin, hod, exam_officer) [admin]: "))
	if role == "" {
		role = model.RoleAdmin
	}
	if !slices.Contains(roles, role) {
		fmt.Printf("Error: unknown role %q\n", role)
		return
	}

	var matric string
	if role == model.RoleStudent {
		matric = prompt(reader, "Enter Matric Number: ")
	}

	id := prompt(reader, "Enter User ID (blank to generate): ")
	if id == "" {
		if matric != "" {
			id = matric
		} else {
			id = uuid.NewString()
		}
	}

	hash, ok := readPassword(cfg.BcryptCost)
	if !ok {
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	u := &model.User{
		ID:           id,
		Name:         name,
		Matric:       matric,
		Email:        email,
		Role:         role,
		PasswordHash: hash,
	}
	if err := userRepo.Create(ctx, u); err != nil {
		log.Fatal().Err(err).Msg("Failed to create user")
	}

	fmt.Printf("\nSuccess! %s '%s' (%s) created with ID: %s\n", u.Role, u.Name, u.Email, u.ID)
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// readPassword reads a password without echo and returns its bcrypt hash.
func readPassword(cost int) (string, bool) {
	fmt.Print("Enter Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // Newline after password input
	if err != nil {
		fmt.Println("Error reading password")
		return "", false
	}
	if len(raw) < 6 {
		fmt.Println("Error: Password must be at least 6 characters")
		return "", false
	}
	hash, err := bcrypt.GenerateFromPassword(raw, cost)
	if err != nil {
		fmt.Printf("Error hashing password: %v\n", err)
		return "", false
	}
	return string(hash), true
}
