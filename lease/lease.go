// Package lease mints and verifies the signed, self-expiring session
// labels stamped into a connection's application_name.
package lease

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxLabelBytes is the database session-label truncation limit.
const MaxLabelBytes = 63

const (
	sigChars = 11 // url-safe base64, no padding, of an 8-byte signature
	// maxInstanceChars bounds the sanitized instance id on its own, before
	// the service name is sized against the remaining budget. spec.md's
	// property test requires arbitrary 200-byte inputs to still fit in
	// MaxLabelBytes, so the instance half of the budget must be capped
	// independently of the service name.
	maxInstanceChars = 20
)

var labelPattern = regexp.MustCompile(`^s=([^;]+);i=([^;]+);e=([^;]+);g=([^;]+)$`)
var invalidChar = regexp.MustCompile(`[^A-Za-z0-9:_-]`)

// InvariantViolation reports a construction that would break the
// MaxLabelBytes invariant. It is never retried.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return e.Msg }

// ConfigurationError reports an invalid Manager configuration.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// Manager mints and verifies leases under a fixed HMAC secret.
type Manager struct {
	secret []byte
}

// NewManager constructs a Manager. secret must be at least 16 bytes.
func NewManager(secret []byte) (*Manager, error) {
	if len(secret) < 16 {
		return nil, &ConfigurationError{Msg: "coordinationSecret must be at least 16 bytes"}
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Manager{secret: cp}, nil
}

// Verified is the locally-validated content of a lease label.
type Verified struct {
	Service     string
	Instance    string
	ExpiresAtMs int64
	IsExpired   bool
}

// Mint constructs a signed label for (service, instance) expiring at expiresAt.
func (m *Manager) Mint(service, instance string, expiresAt time.Time) (string, error) {
	return m.mintMillis(service, instance, expiresAt.UnixMilli())
}

func (m *Manager) mintMillis(rawService, rawInstance string, expiresAtMs int64) (string, error) {
	inst := sanitizeAndDisambiguate(rawInstance, maxInstanceChars)
	svc := normalizeService(rawService, inst)

	base := fmt.Sprintf("s=%s;i=%s;e=%d", svc, inst, expiresAtMs)
	sig := m.sign(base)
	label := base + ";g=" + sig

	if len(label) > MaxLabelBytes {
		return "", &InvariantViolation{Msg: fmt.Sprintf("lease label of %d bytes exceeds the %d byte budget", len(label), MaxLabelBytes)}
	}
	return label, nil
}

// ParseAndVerify validates a label against the full anchored format and
// the local secret. It returns (nil, false) on any structural mismatch,
// bad signature, or non-finite expiry.
func (m *Manager) ParseAndVerify(label string, now time.Time) (*Verified, bool) {
	matches := labelPattern.FindStringSubmatch(label)
	if matches == nil {
		return nil, false
	}
	svc, inst, expStr := matches[1], matches[2], matches[3]

	expMs, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, false
	}

	base := label[:strings.LastIndex(label, ";g=")]
	expected := m.sign(base)
	got := matches[4]
	if len(expected) != len(got) {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return nil, false
	}

	return &Verified{
		Service:     svc,
		Instance:    inst,
		ExpiresAtMs: expMs,
		IsExpired:   now.UnixMilli() > expMs,
	}, true
}

func (m *Manager) sign(base string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(base))
	sum := h.Sum(nil)[:8]
	return base64.RawURLEncoding.EncodeToString(sum)
}

// sanitizeAndDisambiguate replaces disallowed characters with '_' and,
// if the result was changed by sanitization or is too long, falls back
// to a truncated-prefix-plus-content-hash form so distinct raw inputs
// that collide after truncation stay distinguishable.
func sanitizeAndDisambiguate(raw string, maxLen int) string {
	sanitized := invalidChar.ReplaceAllString(raw, "_")
	if sanitized == raw && len(sanitized) <= maxLen {
		return sanitized
	}
	return hashedFallback(raw, sanitized, maxLen)
}

func hashedFallback(raw, sanitized string, maxLen int) string {
	hash := hash8(raw)
	if maxLen <= len(hash) {
		if maxLen < 0 {
			maxLen = 0
		}
		return hash[:maxLen]
	}
	avail := maxLen - 1 - len(hash)
	if avail < 0 {
		avail = 0
	}
	prefix := sanitized
	if len(prefix) > avail {
		prefix = prefix[:avail]
	}
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}

func hash8(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:8]
}

// normalizeService sanitizes a service name to fit the budget left over
// once the (already-sanitized) instance id and the fixed per-field
// overhead are accounted for, per spec.md section 4.2.
func normalizeService(raw, sanitizedInstance string) string {
	overhead := 24 + len(sanitizedInstance) + 11
	maxLen := MaxLabelBytes - overhead
	if maxLen < 1 {
		maxLen = 1
	}
	return sanitizeAndDisambiguate(raw, maxLen)
}
