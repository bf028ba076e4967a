package util

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// a recognisable prefix of a digest without logging the whole value.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
