package kraken

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known vector from the exchange API documentation.
func TestSign_KnownVector(t *testing.T) {
	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	path := "/0/private/AddOrder"
	nonce := int64(1616492376594)
	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"

	sig, err := sign(path, secret, nonce, body)
	require.NoError(t, err)
	assert.Equal(t, "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ==", sig)
}

func TestSign_InvalidSecret(t *testing.T) {
	_, err := sign("/0/private/Balance", "not base64!!!", 1, "nonce=1")
	assert.Error(t, err)
}

func TestNonceSource_Monotonic(t *testing.T) {
	var src nonceSource

	prev := src.Next()
	for i := 0; i < 1000; i++ {
		next := src.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNonceSource_MonotonicUnderConcurrency(t *testing.T) {
	var src nonceSource
	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				n := src.Next()
				mu.Lock()
				assert.False(t, seen[n], "duplicate nonce %d", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1600)
}
