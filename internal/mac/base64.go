package mac

import "encoding/base64"

// EncodeURL returns the URL-safe, unpadded base64 encoding of b. A 64-byte
// input (32-byte secret + 32-byte MAC) always yields an 86-character string.
func EncodeURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
