package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long completed records are retained for replay.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused is returned when an idempotency key is presented with a
// different request fingerprint than the one it was claimed for.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// ClaimState describes the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimNew means the key was unclaimed and the request may proceed.
	ClaimNew ClaimState = iota
	// ClaimReplay means a stored response exists and should be replayed.
	ClaimReplay
	// ClaimInFlight means another request holding this key has not finished.
	ClaimInFlight
)

// Claim is the result of attempting to claim a key, with the stored record
// when one exists.
type Claim struct {
	State  ClaimState
	Record Record
}

// Record is the persisted state for one idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Completed       bool
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// StoredResponse is the HTTP response captured for future replays.
type StoredResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency claims and their responses.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key, fingerprint string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func snapshotHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeader(canonical) {
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		filtered[canonical] = copied
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func hopByHopHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}
