package ai

import "strings"

// normalizeAPIKey cleans up an API key read from the environment: quotes,
// a "Bearer " prefix, escaped or real control characters and any byte
// outside visible ASCII are removed.
func normalizeAPIKey(raw string) string {
	key := strings.Trim(strings.TrimSpace(raw), `"'`)
	if len(key) >= 7 && strings.EqualFold(key[:7], "bearer ") {
		key = key[7:]
	}

	key = strings.NewReplacer(`\r`, "", `\n`, "", `\t`, "").Replace(key)

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		if c := key[i]; c >= 33 && c <= 126 {
			b.WriteByte(c)
		}
	}
	return b.String()
}
