package preview

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns a stable hex-encoded SHA-256 hash for content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// shortHash is the file-name form of HashContent.
func shortHash(content string) string {
	return HashContent(content)[:12]
}
