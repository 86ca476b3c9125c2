package services

import (
	"context"
	"errors"
	"time"

	"chatcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const tokenIssuer = "chatcall"

type AuthService interface {
	GenerateToken(userID domain.UserID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	TokenTTL() time.Duration
}

type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, displayName string) (string, error) {
	if userID == "" {
		return "", ErrUnauthorized
	}
	now := s.now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *authService) TokenTTL() time.Duration {
	return s.accessTokenTTL
}

type userIDKey struct{}

// ContextWithUser stores the authenticated user in ctx.
func ContextWithUser(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserFromContext returns the user stored by ContextWithUser.
func UserFromContext(ctx context.Context) (domain.UserID, error) {
	userID, ok := ctx.Value(userIDKey{}).(domain.UserID)
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}
