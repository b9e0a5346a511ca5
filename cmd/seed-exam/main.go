package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// seedFile is the YAML document accepted by seed-exam.
//
//	exam:
//	  id: CSC101-2024
//	  code: CSC101
//	  title: Introduction to Computing
//	  duration_minutes: 60
//	  status: live
//	  questions:
//	    - id: q1
//	      text: ...
//	      options: [a, b, c, d]
//	      correct_option: 2
//	      marks: 2
//	students:
//	  - matric: U2020/001
//	    name: Ada Obi
//	    email: ada@example.edu
type seedFile struct {
	Exam     model.ExamDefinition `yaml:"exam"`
	Students []seedStudent        `yaml:"students"`
}

type seedStudent struct {
	Matric string `yaml:"matric"`
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
}

func main() {
	var (
		path     string
		password string
		replace  bool
	)
	flag.StringVar(&path, "file", "exam.yaml", "YAML seed file")
	flag.StringVar(&password, "student-password", "password123", "Initial password for seeded students")
	flag.BoolVar(&replace, "replace-live", false, "Allow overwriting an exam that is already live")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to read seed file")
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to parse seed file")
	}
	if seed.Exam.Status == "" {
		seed.Exam.Status = model.ExamStatusDraft
	}
	if err := seed.Exam.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid exam definition")
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, 4, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	examRepo := repository.NewExamRepository(pool, repository.NewQuestionRepository(pool))
	userRepo := repository.NewUserRepository(pool)
	examService := service.NewExamService(examRepo, rdb, cfg.ExamCacheTTL, log)

	// ─── Exam ──────────────────────────────────────────────────────────
	existing, err := examRepo.GetByID(ctx, seed.Exam.ID)
	switch {
	case errors.Is(err, model.ErrExamNotFound):
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to look up exam")
	case existing.Status == model.ExamStatusLive && !replace:
		log.Fatal().Str("exam_id", seed.Exam.ID).Msg("Exam is live; pass -replace-live to overwrite it")
	}

	if err := examRepo.Upsert(ctx, &seed.Exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to write exam")
	}
	if err := examService.Invalidate(ctx, seed.Exam.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate exam cache")
	}
	fmt.Printf("Exam %s (%s) written with %d questions, status %s\n",
		seed.Exam.ID, seed.Exam.Code, len(seed.Exam.Questions), seed.Exam.Status)

	// ─── Students ──────────────────────────────────────────────────────
	if len(seed.Students) == 0 {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	created, skipped := 0, 0
	for _, st := range seed.Students {
		if _, err := userRepo.GetByID(ctx, st.Matric); err == nil {
			skipped++
			continue
		} else if !errors.Is(err, model.ErrUserNotFound) {
			log.Fatal().Err(err).Str("matric", st.Matric).Msg("Failed to look up student")
		}

		u := &model.User{
			ID:           st.Matric,
			Name:         st.Name,
			Matric:       st.Matric,
			Email:        st.Email,
			Role:         model.RoleStudent,
			PasswordHash: string(hash),
		}
		if err := userRepo.Create(ctx, u); err != nil {
			log.Error().Err(err).Str("matric", st.Matric).Msg("Failed to create student")
			continue
		}
		created++
	}
	fmt.Printf("Students: %d created, %d already present\n", created, skipped)
}
