package middleware

import "strings"

// MaskSecret маскирует чувствительные идентификаторы в логах — коды пропусков
// и device_identifier не светятся целиком.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
