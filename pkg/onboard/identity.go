package onboard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	pskBytes    = 32
	suffixBytes = 2
)

// TunnelIdentity is the secret material and naming for one tunnel.
type TunnelIdentity struct {
	PreSharedKey string
	Suffix       string
	LocalID      string
}

// NewTunnelIdentity draws a URL-safe pre-shared key from 32 random bytes
// and a 4-hex-digit suffix. The branch identifies itself as suffix@domain.
func NewTunnelIdentity(random io.Reader, domain string) (TunnelIdentity, error) {
	key := make([]byte, pskBytes)
	if _, err := io.ReadFull(random, key); err != nil {
		return TunnelIdentity{}, fmt.Errorf("generating pre-shared key: %w", err)
	}
	suffix := make([]byte, suffixBytes)
	if _, err := io.ReadFull(random, suffix); err != nil {
		return TunnelIdentity{}, fmt.Errorf("generating name suffix: %w", err)
	}

	s := hex.EncodeToString(suffix)
	return TunnelIdentity{
		PreSharedKey: base64.RawURLEncoding.EncodeToString(key),
		Suffix:       s,
		LocalID:      s + "@" + domain,
	}, nil
}
