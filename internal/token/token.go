package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const RoleAdmin = "admin"

var (
	ErrTokenInvalid = errors.New("token is not valid")
	ErrNoSecret     = errors.New("secret key is empty")
)

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// BuildJWTString - подписанный HS256 токен для subject
func BuildJWTString(secretKey string, subject string, role string, ttl time.Duration) (string, error) {
	if secretKey == "" {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
}

// Parse проверяет подпись и срок действия токена
func Parse(secretKey string, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
