package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomToken は暗号的に安全なnバイトの乱数をbase64url（パディングなし）で返す。
// state、セッションID、CSRFトークンの生成に使用する。
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
