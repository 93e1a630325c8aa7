package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/auth/config"
	"github.com/iurnickita/affiliate/internal/token"
)

type Auth interface {
	// Middleware пропускает только запросы с действующим токеном администратора
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const UserCodeKey = "X-User-Code"

var (
	ErrNoToken   = errors.New("authorization token is missing")
	ErrForbidden = errors.New("admin role required")
)

type auth struct {
	secretKey string
}

func NewAuth(cfg config.Config, zaplog *zap.Logger) Auth {
	if cfg.SecretKey == "" {
		zaplog.Warn("auth secret key is empty, admin endpoints are not protected")
	}
	return &auth{secretKey: cfg.SecretKey}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.secretKey == "" {
			h.ServeHTTP(w, r)
			return
		}

		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			if errors.Is(err, ErrForbidden) {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		r.Header.Set(UserCodeKey, userCode)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getUserCode(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", ErrNoToken
	}
	claims, err := token.Parse(a.secretKey, tokenString)
	if err != nil {
		return "", err
	}
	if claims.Role != token.RoleAdmin {
		return "", ErrForbidden
	}
	return claims.Subject, nil
}
