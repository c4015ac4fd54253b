package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/greenhouse-auth/internal/revocation"
	"go.uber.org/zap"
)

// RegistrationRequest creates or updates a password principal.
type RegistrationRequest struct {
	Email       string `json:"username" form:"username"`
	DisplayName string `json:"name" form:"name"`
	Password    string `json:"password" form:"password"`
}

// AdminService implements the privileged principal operations.
type AdminService struct {
	users     UserStore
	publisher revocation.Publisher
	logger    *zap.Logger
	metrics   MetricsRecorder
}

// NewAdminService wires an admin service. publisher may be nil when no broadcast is wanted.
func NewAdminService(users UserStore, publisher revocation.Publisher, logger *zap.Logger, metrics MetricsRecorder) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &AdminService{users: users, publisher: publisher, logger: logger, metrics: metrics}
}

// Register hashes the password and stores the principal.
func (service *AdminService) Register(ctx context.Context, request RegistrationRequest) (User, error) {
	email := normalizeEmail(request.Email)
	if email == "" || strings.TrimSpace(request.DisplayName) == "" || request.Password == "" {
		return User{}, ErrBadRequest
	}
	passwordHash, passwordSalt, err := HashPassword(request.Password)
	if err != nil {
		return User{}, fmt.Errorf("admin.register.hash: %w", err)
	}
	user, err := service.users.SavePasswordUser(ctx, email, strings.TrimSpace(request.DisplayName), passwordHash, passwordSalt)
	if err != nil {
		return User{}, fmt.Errorf("admin.register.save: %w", err)
	}
	service.metrics.Increment(metricAdminRegister)
	service.logger.Info("principal registered", zap.String("code", metricAdminRegister), zap.String("principal", user.Email))
	return user, nil
}

// Ban marks the principal banned and broadcasts the ban when the flag changed.
func (service *AdminService) Ban(ctx context.Context, email string) error {
	user, changed, err := service.setBanned(ctx, email, true)
	if err != nil {
		return err
	}
	service.metrics.Increment(metricAdminBan)
	service.logger.Info("principal banned",
		zap.String("code", metricAdminBan),
		zap.String("principal", user.Email),
		zap.Bool("changed", changed))
	if !changed || service.publisher == nil {
		return nil
	}
	if publishErr := service.publisher.PublishBan(ctx, user.Email); publishErr != nil {
		service.logger.Error("ban broadcast failed",
			zap.String("code", "admin.ban.publish"),
			zap.String("principal", user.Email),
			zap.Error(publishErr))
	}
	return nil
}

// Unban clears the banned flag.
func (service *AdminService) Unban(ctx context.Context, email string) error {
	user, changed, err := service.setBanned(ctx, email, false)
	if err != nil {
		return err
	}
	service.metrics.Increment(metricAdminUnban)
	service.logger.Info("principal unbanned",
		zap.String("code", metricAdminUnban),
		zap.String("principal", user.Email),
		zap.Bool("changed", changed))
	return nil
}

func (service *AdminService) setBanned(ctx context.Context, email string, banned bool) (User, bool, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return User{}, false, ErrBadRequest
	}
	user, changed, err := service.users.SetBanned(ctx, normalized, banned)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, false, ErrPrincipalNotFound
		}
		return User{}, false, fmt.Errorf("admin.set_banned: %w", err)
	}
	return user, changed, nil
}
