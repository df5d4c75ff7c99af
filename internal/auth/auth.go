// Package auth verifies Supabase sessions and resolves the signed-in user
// together with their sandbox git identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aun-builder/internal/freestyle"
	"aun-builder/internal/logging"
	"aun-builder/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUserNotFound is returned when the request carries no valid session
var ErrUserNotFound = errors.New("User not found")

// IdentityCreator creates sandbox git identities
type IdentityCreator interface {
	CreateGitIdentity(ctx context.Context) (*freestyle.GitIdentity, error)
}

// User is the resolved caller
type User struct {
	UserID            string `json:"userId"`
	Email             string `json:"email,omitempty"`
	FreestyleIdentity string `json:"freestyleIdentity"`
}

// Service resolves users from access tokens
type Service struct {
	db         *gorm.DB
	validator  *TokenValidator
	identities IdentityCreator
}

func NewService(db *gorm.DB, validator *TokenValidator, identities IdentityCreator) *Service {
	return &Service{db: db, validator: validator, identities: identities}
}

// Validator exposes the token validator for the auth middleware
func (s *Service) Validator() *TokenValidator {
	return s.validator
}

// GetUserFromToken validates tokenString and resolves the user
func (s *Service) GetUserFromToken(ctx context.Context, tokenString string) (*User, error) {
	claims, err := s.validator.Validate(tokenString)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, claims)
}

// GetUser resolves the Freestyle identity of the user in claims, creating
// and storing one on first use. A failure to store the new identity is
// logged and the identity is still returned.
func (s *Service) GetUser(ctx context.Context, claims *Claims) (*User, error) {
	if claims == nil || claims.UserID() == "" {
		return nil, ErrUserNotFound
	}
	log := logging.L().With(zap.String("user_id", claims.UserID()))

	s.upsertUser(ctx, claims)

	var data models.UserFreestyleData
	err := s.db.WithContext(ctx).First(&data, "user_id = ?", claims.UserID()).Error
	if err == nil {
		return &User{UserID: claims.UserID(), Email: claims.Email, FreestyleIdentity: data.FreestyleIdentity}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("failed to load freestyle identity", zap.Error(err))
	}

	identity, err := s.identities.CreateGitIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create git identity: %w", err)
	}

	data = models.UserFreestyleData{
		UserID:            claims.UserID(),
		FreestyleIdentity: identity.ID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&data).Error; err != nil {
		log.Error("error storing freestyle identity", zap.Error(err))
	}

	return &User{UserID: claims.UserID(), Email: claims.Email, FreestyleIdentity: identity.ID}, nil
}

// upsertUser mirrors the Supabase user locally; failures only get logged
func (s *Service) upsertUser(ctx context.Context, claims *Claims) {
	user := models.User{ID: claims.UserID(), Email: claims.Email}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		logging.L().Warn("failed to upsert user", zap.String("user_id", user.ID), zap.Error(err))
	}
}
