package middleware

import (
	"context"
	"net/http"

	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/model"
)

// DeviceChecker — проверка доступа устройства. Реализуется devicetrust.Registry.
type DeviceChecker interface {
	CheckAuthorization(ctx context.Context, ownerID string, info model.DeviceInfo) (bool, error)
}

// DeviceAuth пропускает запрос только с доверенного устройства: атрибуты из
// заголовков X-Device-* сверяются с реестром (включая отпечаток). Отказ реестра —
// 401 без деталей: утерянное устройство не должно узнать, почему его не пустили.
func DeviceAuth(checker DeviceChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-Id")
			info := deviceInfoFromHeaders(r)
			if userID == "" || info.Identifier == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ok, err := checker.CheckAuthorization(r.Context(), userID, info)
			if err != nil {
				logger.Errorf("device auth user=%s device=%s: %v", userID, MaskSecret(info.Identifier), err)
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, DeviceIDKey, info.Identifier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func deviceInfoFromHeaders(r *http.Request) model.DeviceInfo {
	return model.DeviceInfo{
		Identifier:    r.Header.Get("X-Device-Id"),
		Name:          r.Header.Get("X-Device-Name"),
		Model:         r.Header.Get("X-Device-Model"),
		Type:          r.Header.Get("X-Device-Type"),
		SystemVersion: r.Header.Get("X-Device-Os"),
		Hardware:      r.Header.Get("X-Device-Hardware"),
	}
}
