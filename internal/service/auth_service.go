package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/security"
)

// AuthService handles registration, login, token refresh and logout.
type AuthService struct {
	users  domain.UserRepository
	tokens *security.TokenService
	hash   *security.PasswordHasher
	log    logger.Logger
}

func NewAuthService(users domain.UserRepository, tokens *security.TokenService, hash *security.PasswordHasher, log logger.Logger) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		hash:   hash,
		log:    log,
	}
}

type RegisterInput struct {
	Username    string
	DisplayName string
	Email       *string
	Password    string
	Role        domain.Role
}

type LoginInput struct {
	Username string
	Password string
}

type TokenResponse struct {
	security.TokenPair
	User *domain.User `json:"user"`
}

const minPasswordLength = 8

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if n := utf8.RuneCountInString(in.Username); n < 3 || n > 50 {
		return nil, fmt.Errorf("%w: username must be 3-50 characters", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, minPasswordLength)
	}
	if in.Role == "" {
		in.Role = domain.RoleStudent
	}
	// Moderator roles are granted by operators, never self-assigned.
	if !in.Role.Valid() || in.Role.CanModerate() {
		return nil, fmt.Errorf("%w: role %q cannot be registered", domain.ErrInvalidInput, in.Role)
	}

	existing, err := s.users.GetByUsername(ctx, in.Username)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrConflict
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Username:       in.Username,
		DisplayName:    strings.TrimSpace(in.DisplayName),
		Email:          in.Email,
		HashedPassword: hashed,
		Role:           in.Role,
		IsActive:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(in.Username))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: incorrect username or password", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := s.hash.Verify(in.Password, user.HashedPassword); err != nil {
		return nil, fmt.Errorf("%w: incorrect username or password", domain.ErrUnauthorized)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is inactive", domain.ErrUnauthorized)
	}

	pair, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	return &TokenResponse{TokenPair: pair, User: user}, nil
}

// Refresh trades a refresh token for a new pair. Any failure means the
// client has to log in again.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	claims, err := s.tokens.Parse(refreshToken, security.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, domain.ErrSessionExpired
	}

	pair, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	return &TokenResponse{TokenPair: pair, User: user}, nil
}

// Authenticate resolves an access token to its active user.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*domain.User, error) {
	claims, err := s.tokens.Parse(accessToken, security.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, domain.ErrUnauthorized
	}
	return user, nil
}
