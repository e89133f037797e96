package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Signatures travel in the X-Signature header as "t=<unix seconds>,v1=<hex>", where the MAC is
// HMAC-SHA256 over "<t>.<body>". Binding the timestamp lets receivers reject replays.

var (
	ErrMalformedSignature = errors.New("webhooks: malformed signature header")
	ErrSignatureMismatch  = errors.New("webhooks: signature mismatch")
	ErrStaleSignature     = errors.New("webhooks: signature timestamp outside tolerance")
)

// DefaultTolerance is how far a signature's timestamp may drift from the receiver's clock.
const DefaultTolerance = 5 * time.Minute

func mac(secret string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the X-Signature header value for body sent at ts.
func Sign(secret string, body []byte, ts time.Time) string {
	t := ts.Unix()
	return "t=" + strconv.FormatInt(t, 10) + ",v1=" + hex.EncodeToString(mac(secret, t, body))
}

// Verify checks header against body. A zero tolerance skips the freshness check.
func Verify(secret string, body []byte, header string, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		var err error
		switch k {
		case "t":
			if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
				return ErrMalformedSignature
			}
		case "v1":
			if sig, err = hex.DecodeString(v); err != nil {
				return ErrMalformedSignature
			}
		}
	}
	if ts == 0 || sig == nil {
		return ErrMalformedSignature
	}
	if !hmac.Equal(mac(secret, ts, body), sig) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		drift := now.Sub(time.Unix(ts, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return ErrStaleSignature
		}
	}
	return nil
}
