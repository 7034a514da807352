// Package signing issues and checks expiring playback links. A link carries
// the record ID, the unix expiry and an HMAC-SHA256 over both.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrMalformed = errors.New("malformed playback link")
	ErrExpired   = errors.New("playback link expired")
	ErrSignature = errors.New("playback link signature mismatch")
)

// Signer generates and validates playback signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for recordID valid until expiresUnix.
func (s *Signer) Sign(recordID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "playback:%s:%d", recordID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// PlaybackURL builds baseURL/api/v1/playback?id=...&expires=...&sig=...
func (s *Signer) PlaybackURL(baseURL, recordID string, ttl time.Duration) (string, time.Time) {
	expires := s.now().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("id", recordID)
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.Sign(recordID, expires.Unix()))
	return baseURL + "/api/v1/playback?" + q.Encode(), expires
}

// Validate checks a link's query values and returns the record ID it grants.
func (s *Signer) Validate(q url.Values) (string, error) {
	id, expires, sig := q.Get("id"), q.Get("expires"), q.Get("sig")
	if id == "" || expires == "" || sig == "" {
		return "", ErrMalformed
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	if !hmac.Equal([]byte(s.Sign(id, exp)), []byte(sig)) {
		return "", ErrSignature
	}
	if s.now().Unix() > exp {
		return "", ErrExpired
	}
	return id, nil
}
