// Package auth provides user accounts and JWT authentication.
//
// Authentication model:
// - Public endpoints (health, webhooks): no auth
// - Everything under /v1: requires "Authorization: Bearer <jwt>"
// - Tokens are HS256, issued on register/login, subject = user id
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskup/backend/internal/idgen"
)

var (
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUserInactive       = errors.New("auth: user is deactivated")
)

// User is a marketplace account. A user can both post tasks (client role)
// and work on them (worker role).
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	PasswordHash    string     `json:"-"`
	Active          bool       `json:"active"`
	TermsAcceptedAt *time.Time `json:"termsAcceptedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Store persists user accounts.
type Store interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, user *User) error
	// Anonymize strips personal data from a user and deactivates the
	// account. The row itself stays so wallet history keeps its reference.
	Anonymize(ctx context.Context, id string) error
}

// Claims is the JWT payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates tokens and manages user credentials.
type Manager struct {
	store    Store
	secret   []byte
	issuer   string
	tokenTTL time.Duration
}

// NewManager creates an auth manager. secret signs tokens; ttl <= 0
// defaults to 24h.
func NewManager(store Store, secret []byte, issuer string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, secret: secret, issuer: issuer, tokenTTL: ttl}
}

// Register creates a user with a bcrypt-hashed password.
func (m *Manager) Register(ctx context.Context, email, password, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:           idgen.WithPrefix("usr_"),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and returns a signed token plus the user.
func (m *Manager) Login(ctx context.Context, email, password string) (string, *User, error) {
	user, err := m.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		// Same error for unknown email and bad password.
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.Active {
		return "", nil, ErrUserInactive
	}

	token, err := m.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueToken signs a token for the user.
func (m *Manager) IssueToken(user *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken parses and verifies a token, returning its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyPassword checks a user's password without issuing a token.
// Destructive account operations re-authenticate through this.
func (m *Manager) VerifyPassword(ctx context.Context, id, password string) error {
	user, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GetUser returns a user by id.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.GetByID(ctx, id)
}

// Anonymize strips personal data from the account and deactivates it.
func (m *Manager) Anonymize(ctx context.Context, id string) error {
	return m.store.Anonymize(ctx, id)
}

// AcceptTerms records the time the user accepted the current terms.
func (m *Manager) AcceptTerms(ctx context.Context, id string) (*User, error) {
	user, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	user.TermsAcceptedAt = &now
	user.UpdatedAt = now
	if err := m.store.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
