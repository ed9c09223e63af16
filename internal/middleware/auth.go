// Package middleware содержит HTTP middleware сервиса StockLot.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/stocklot/stocklot-system/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity описывает аутентифицированного пользователя запроса.
type Identity struct {
	UserID int64
	Role   model.Role
}

// AuthMiddleware выполняет проверку bearer-токена из заголовка Authorization.
// Токен имеет вид "<id>.<role>.<подпись HMAC-SHA256>" и выдаётся при входе.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет bearer-токен и добавляет личность пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ident, ok := a.parseToken(strings.TrimPrefix(header, "Bearer "))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken формирует подписанный bearer-токен для пользователя.
func (a *AuthMiddleware) IssueToken(userID int64, role model.Role) string {
	payload := strconv.FormatInt(userID, 10) + "." + string(role)
	return payload + "." + a.sign(payload)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (Identity, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, false
	}

	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(a.sign(payload))) {
		return Identity{}, false
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Identity{}, false
	}

	role := model.Role(parts[1])
	switch role {
	case model.RoleBuyer, model.RoleSeller, model.RoleAdmin:
	default:
		return Identity{}, false
	}

	return Identity{UserID: id, Role: role}, true
}

// GetIdentityFromContext извлекает личность пользователя из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityKey).(Identity)
	return ident, ok
}
