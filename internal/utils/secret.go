package utils

import (
	"maps"
	"strings"
)

var secretHints = []string{"secret", "password", "token", "access_key"}

func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}

// MaskSettings returns a copy of settings with credential values masked.
func MaskSettings(settings map[string]string) map[string]string {
	out := maps.Clone(settings)
	for k, v := range out {
		lower := strings.ToLower(k)
		for _, hint := range secretHints {
			if strings.Contains(lower, hint) {
				out[k] = MaskSecret(v)
				break
			}
		}
	}
	return out
}
