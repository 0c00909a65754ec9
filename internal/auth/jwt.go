package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wyd-backend/internal/session"
)

const tokenTTL = 30 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

func GenerateToken(secret []byte, userID, email string) (string, error) {
	return generateTokenAt(secret, userID, email, time.Now())
}

func generateTokenAt(secret []byte, userID, email string, issued time.Time) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"exp":     issued.Add(tokenTTL).Unix(),
		"iat":     issued.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(secret)
}

// ParseToken verifies tokenString and returns the session it carries.
func ParseToken(secret []byte, tokenString string) (session.Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	data, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return session.Session{}, ErrInvalidToken
	}
	uid, ok := data["user_id"].(string)
	if !ok || uid == "" {
		return session.Session{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	email, _ := data["email"].(string)

	return session.Session{UserID: uid, Email: email, Token: tokenString}, nil
}
