// Package signature signs and verifies webhook bodies with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mesaya/payment-service/internal"
)

type Scheme string

const (
	SchemeHex         Scheme = "hex"
	SchemeBase64      Scheme = "base64"
	SchemeTimestamped Scheme = "timestamped"
)

const DefaultTolerance = 300 * time.Second

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeHex:
		return SchemeHex, nil
	case SchemeBase64:
		return SchemeBase64, nil
	case SchemeTimestamped:
		return SchemeTimestamped, nil
	}
	return "", fmt.Errorf("unknown signature scheme %q", s)
}

func mac(secret string, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SignHex returns hex(HMAC-SHA256(secret, body)).
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(mac(secret, body))
}

func SignBase64(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(mac(secret, body))
}

// SignTimestamped returns the header value t=<unix>,v1=<hex> signing "<unix>.<body>".
func SignTimestamped(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(secret, []byte(ts), []byte("."), body))
}

// Sign produces a header value for scheme.
func Sign(scheme Scheme, secret string, body []byte, at time.Time) string {
	switch scheme {
	case SchemeBase64:
		return SignBase64(secret, body)
	case SchemeTimestamped:
		return SignTimestamped(secret, body, at)
	default:
		return SignHex(secret, body)
	}
}

type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewVerifier(tolerance time.Duration, logger *slog.Logger) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		tolerance: tolerance,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the time source used for the timestamp tolerance.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks header against body for each secret in order and succeeds on the first match.
// Callers pass the current secret first and a still-valid previous secret after it.
func (v *Verifier) Verify(source string, scheme Scheme, body []byte, header string, secrets ...string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return v.reject(source, "missing signature header")
	}
	if len(secrets) == 0 {
		return v.reject(source, "no secret configured")
	}

	var (
		match  func(secret string) bool
		reason = "signature mismatch"
	)
	switch scheme {
	case SchemeHex:
		want, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(header), "sha256="))
		if err != nil {
			return v.reject(source, "malformed hex signature")
		}
		match = func(secret string) bool { return hmac.Equal(mac(secret, body), want) }
	case SchemeBase64:
		want, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return v.reject(source, "malformed base64 signature")
		}
		match = func(secret string) bool { return hmac.Equal(mac(secret, body), want) }
	case SchemeTimestamped:
		ts, sigs, err := parseTimestamped(header)
		if err != nil {
			return v.reject(source, err.Error())
		}
		at := time.Unix(ts, 0)
		if d := v.now().Sub(at); d > v.tolerance || d < -v.tolerance {
			return v.reject(source, "timestamp outside tolerance")
		}
		prefix := []byte(strconv.FormatInt(ts, 10) + ".")
		match = func(secret string) bool {
			expected := mac(secret, prefix, body)
			for _, sig := range sigs {
				if hmac.Equal(expected, sig) {
					return true
				}
			}
			return false
		}
	default:
		return v.reject(source, fmt.Sprintf("unsupported scheme %q", scheme))
	}

	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		if match(secret) {
			if i > 0 {
				v.logger.Info("webhook verified with previous secret", "source", source)
			}
			return nil
		}
	}
	return v.reject(source, reason)
}

func (v *Verifier) reject(source, reason string) error {
	v.logger.Warn("webhook signature rejected", "source", source, "reason", reason)
	return internal.NewInvalidSignatureError("invalid webhook signature")
}

func parseTimestamped(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("malformed timestamp")
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS {
		return 0, nil, fmt.Errorf("missing timestamp")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("missing v1 signature")
	}
	return ts, sigs, nil
}
