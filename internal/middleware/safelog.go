package middleware

import "strings"

// MaskToken keeps only the first characters of a credential for logs.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
