package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Ключ для хранения ID пользователя в контексте
type contextKey string

const UserIDKey contextKey = "userID"

func respondWithError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// JWTMiddleware проверяет JWT токен и добавляет userID в контекст.
// Пустой секрет отключает проверку: сервер работает в локальном
// однопользовательском режиме.
func JWTMiddleware(secretKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secretKey) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "отсутствует заголовок Authorization")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				respondWithError(w, http.StatusUnauthorized, "неверный формат заголовка Authorization")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("неожиданный метод подписи: %v", token.Header["alg"])
				}
				return secretKey, nil
			})
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, fmt.Sprintf("ошибка валидации токена: %v", err))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "невалидный токен")
				return
			}

			userID, ok := claims["user_id"].(string)
			if !ok || userID == "" {
				respondWithError(w, http.StatusUnauthorized, "не удалось извлечь user_id из токена")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext извлекает userID из контекста
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}
