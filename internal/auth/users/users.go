// Package users looks up and records authenticated identities.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/storage"
)

// Directory is the user lookup and upsert service.
type Directory struct {
	repo storage.UserRepository
	now  func() time.Time
}

// NewDirectory creates a Directory over repo.
func NewDirectory(repo storage.UserRepository) *Directory {
	return &Directory{repo: repo, now: time.Now}
}

// FindByID returns the user with subjectID, or nil when there is none.
func (d *Directory) FindByID(ctx context.Context, subjectID string) (*models.User, error) {
	u, err := d.repo.GetUser(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// FindByEmail returns the user with email, or nil when there is none.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := d.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return u, nil
}

// Upsert records a login. An existing subject only gets its last login bumped;
// a new subject is created. The subject id and email of an existing user never change.
func (d *Directory) Upsert(ctx context.Context, subjectID, email, displayName string) (*models.User, error) {
	subjectID = strings.TrimSpace(subjectID)
	email = strings.TrimSpace(email)
	if subjectID == "" || email == "" {
		return nil, autherr.Validation("subject id and email are required")
	}

	u, err := d.repo.UpsertUser(ctx, subjectID, email, displayName, d.now())
	if errors.Is(err, storage.ErrEmailTaken) {
		return nil, autherr.Validation("email is already linked to another account")
	}
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	logger.Debug("Recorded login", logger.UserID(u.SubjectID))
	return u, nil
}
