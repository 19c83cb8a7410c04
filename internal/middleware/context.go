package middleware

import "context"

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	DeviceIDKey contextKey = "device_id"
)

// GetUserID возвращает user_id из контекста (устанавливается DeviceAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetDeviceID возвращает device_identifier из контекста (устанавливается DeviceAuth).
func GetDeviceID(ctx context.Context) string {
	v, _ := ctx.Value(DeviceIDKey).(string)
	return v
}
