package devicetrust

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/vaultguard/internal/model"
)

// Fingerprint — детерминированный отпечаток устройства: SHA-256 над атрибутами
// в фиксированном порядке. Одинаковые атрибуты дают одинаковый хэш; изменение
// любого атрибута меняет хэш. Чистая функция, без I/O.
func Fingerprint(info model.DeviceInfo) string {
	payload := strings.Join([]string{
		info.Model,
		info.Name,
		info.SystemVersion,
		info.Identifier,
		info.Hardware,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
