package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// HMACIP anonymizes a client identifier for logs: IPv4 is truncated to /24
// and IPv6 to /48 before keyed hashing. Identifiers that are not IPs (the
// forwarded-for value is taken verbatim) are hashed whole.
func HMACIP(id string, key []byte) string {
	subject := id
	if ip := net.ParseIP(id); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			subject = v4.Mask(net.CIDRMask(24, 32)).String()
		} else {
			subject = ip.Mask(net.CIDRMask(48, 128)).String()
		}
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(subject))
	return hex.EncodeToString(m.Sum(nil))[:16]
}

// Anonymizer hashes client identifiers with a fixed key. A nil or empty
// key disables hashing and returns identifiers unchanged.
type Anonymizer struct {
	key []byte
}

func NewAnonymizer(key string) *Anonymizer {
	return &Anonymizer{key: []byte(key)}
}

func (a *Anonymizer) Client(id string) string {
	if a == nil || len(a.key) == 0 {
		return id
	}
	return HMACIP(id, a.key)
}
