package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// nonceSource issues microsecond nonces that are strictly monotonic per API
// key, as the exchange requires even when two requests land in the same tick.
type nonceSource struct {
	mu   sync.Mutex
	last int64
}

// Next returns the next nonce.
func (n *nonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce := time.Now().UnixMicro()
	if nonce <= n.last {
		nonce = n.last + 1
	}
	n.last = nonce
	return nonce
}

// sign computes the API-Sign header for a private endpoint:
// HMAC-SHA512 of (path || SHA256(nonce || urlEncodedBody)) keyed with the
// base64-decoded API secret.
func sign(path, secret string, nonce int64, encodedBody string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("api secret is not valid base64: %w", err)
	}

	payload := sha256.Sum256([]byte(fmt.Sprintf("%d%s", nonce, encodedBody)))

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(payload[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
