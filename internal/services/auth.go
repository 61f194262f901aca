package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/repository"
)

const (
	defaultBcryptCost = 10
	minPasswordLength = 8
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type userRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

type tokenIssuer interface {
	GenerateAccessToken(userID uuid.UUID, username string) (string, error)
}

type AuthService struct {
	users      userRepository
	tokens     tokenIssuer
	log        logrus.FieldLogger
	bcryptCost int
}

func NewAuthService(users userRepository, tokens tokenIssuer, log logrus.FieldLogger) *AuthService {
	return &AuthService{
		users:      users,
		tokens:     tokens,
		log:        log,
		bcryptCost: defaultBcryptCost,
	}
}

// Signup validates the request, hashes the password and creates the user.
// Any validation failure returns before hashing or touching the store.
func (s *AuthService) Signup(ctx context.Context, req models.SignupRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)

	fieldErrors := make(map[string]string)
	if username == "" {
		fieldErrors["username"] = "Username is required"
	} else if strings.EqualFold(username, models.ModelSender) {
		fieldErrors["username"] = "Username is reserved"
	}
	if !emailRegex.MatchString(email) {
		fieldErrors["email"] = "Invalid email"
	}
	if len(req.Password) < minPasswordLength {
		fieldErrors["password"] = fmt.Sprintf("Password must be at least %d characters", minPasswordLength)
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, &ValidationError{Fields: map[string]string{"password": "Password must be at most 72 bytes"}}
		}
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		Email:        email,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, &ConflictError{Message: "User already exists or invalid data"}
		}
		s.log.WithError(err).WithField("username", username).Error("signup: failed to create user")
		return nil, &StorageError{Op: "create user", Err: err}
	}

	s.log.WithField("user_id", user.ID).Info("user signed up")
	return user, nil
}

// Login checks credentials and issues an access token.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (string, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		s.log.WithError(err).Error("login: failed to look up user")
		return "", &StorageError{Op: "get user", Err: err}
	}
	if user == nil {
		return "", &UnauthorizedError{Message: "Invalid credentials"}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return "", &UnauthorizedError{Message: "Invalid credentials"}
	}

	token, err := s.tokens.GenerateAccessToken(user.ID, user.Username)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}

	return token, nil
}
