package synth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/tts-pool-service/internal/core"
)

// Marker substrings for best-effort error classification. These track one
// provider's current error text and are a replaceable detail, not a contract.
// Anything unrecognized stays an ordinary error; nothing is swallowed.
var (
	invalidCredentialMarkers = []string{
		"API_KEY_INVALID",
		"API key not valid",
		"API key expired",
		"PERMISSION_DENIED",
	}

	quotaExceededMarkers = []string{
		"RESOURCE_EXHAUSTED",
		"quota",
		"rate limit",
	}
)

// Classify maps an endpoint failure onto the credential error taxonomy.
// Invalid-credential markers are checked first since the provider reports
// bad keys with generic 400 statuses.
func Classify(statusCode int, message string) error {
	if containsAny(message, invalidCredentialMarkers) {
		return fmt.Errorf("%w: %s", core.ErrInvalidCredential, message)
	}

	if statusCode == http.StatusTooManyRequests || containsAny(message, quotaExceededMarkers) {
		return fmt.Errorf("%w: %s", core.ErrQuotaExceeded, message)
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", core.ErrInvalidCredential, message)
	}

	return fmt.Errorf("synthesis endpoint error: %s", message)
}

func containsAny(message string, markers []string) bool {
	lowered := strings.ToLower(message)

	for _, marker := range markers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}

	return false
}
