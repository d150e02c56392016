package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling service account.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix-second timestamp the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce makes each signature single-use within the replay window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the request metadata.
	HeaderSignature = "X-Signature"

	// MaxSignedBody caps how much request body participates in the signature.
	MaxSignedBody = 1 << 20

	maxSkew         = 2 * time.Minute
	maxReplayWindow = 10 * time.Minute
	defaultCapacity = 4096
	maxCapacity     = 65536
	storePruneEvery = time.Minute
)

// Principal is the authenticated API client attached to a request.
type Principal struct {
	APIKey string
}

// NonceRecord is one observed signature nonce, durable across restarts.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceStore persists nonce usage so replay protection survives restarts.
type NonceStore interface {
	// Remember records the nonce and reports whether it was already present.
	Remember(ctx context.Context, record NonceRecord) (bool, error)
	// Recent returns records observed at or after the cutoff.
	Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// Prune drops records observed before the cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

type seenEntry struct {
	key string
	at  time.Time
}

// Verifier checks API-key HMAC signatures and rejects replayed requests.
// Replay detection keeps one LRU of timestamp|nonce composites across all
// keys, bounded by capacity, optionally mirrored to a NonceStore.
type Verifier struct {
	secrets  map[string]string
	skew     time.Duration
	window   time.Duration
	capacity int
	nowFn    func() time.Time

	mu     sync.Mutex
	seen   map[string]*list.Element
	order  *list.List
	latest map[string]int64

	store      NonceStore
	lastPruned time.Time
}

// NewVerifier builds a Verifier for the given API key -> shared secret map.
// Zero or out-of-range durations fall back to the hard limits.
func NewVerifier(secrets map[string]string, skew, window time.Duration, capacity int, nowFn func() time.Time, store NonceStore) *Verifier {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxSkew {
		skew = maxSkew
	}
	if window <= 0 || window > maxReplayWindow {
		window = maxReplayWindow
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	return &Verifier{
		secrets:  cloned,
		skew:     skew,
		window:   window,
		capacity: capacity,
		nowFn:    nowFn,
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		latest:   make(map[string]int64),
		store:    store,
	}
}

// Verify validates the signature headers against the already-read body and
// returns the caller principal.
func (v *Verifier) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("request body exceeds %d signable bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := v.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	signedAt, err := parseUnixSeconds(timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", v.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	replayed, err := v.markSeen(r.Context(), apiKey, timestamp, nonce, now)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, errors.New("nonce already used")
	}
	if v.staleTimestamp(apiKey, signedAt, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{APIKey: apiKey}, nil
}

// Hydrate warms the replay cache from the store after a restart.
func (v *Verifier) Hydrate(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.store == nil {
		return nil
	}
	records, err := v.store.Recent(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, record := range records {
		if record.APIKey == "" || record.Timestamp == "" || record.Nonce == "" {
			continue
		}
		observed := record.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.insertLocked(compositeOf(record.APIKey, record.Timestamp, record.Nonce), observed)
	}
	return nil
}

func (v *Verifier) markSeen(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	composite := compositeOf(apiKey, timestamp, nonce)

	v.mu.Lock()
	v.evictExpiredLocked(now.Add(-v.window))
	_, cached := v.seen[composite]
	v.mu.Unlock()
	if cached {
		return true, nil
	}

	if v.store != nil {
		if err := v.pruneStore(ctx, now); err != nil {
			return false, err
		}
		existed, err := v.store.Remember(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			v.mu.Lock()
			v.insertLocked(composite, now)
			v.mu.Unlock()
			return true, nil
		}
	}

	v.mu.Lock()
	v.insertLocked(composite, now)
	v.mu.Unlock()
	return false, nil
}

func (v *Verifier) pruneStore(ctx context.Context, now time.Time) error {
	if v.store == nil {
		return nil
	}
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < storePruneEvery {
		return nil
	}
	if err := v.store.Prune(ctx, now.Add(-v.window)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

// staleTimestamp enforces per-key monotonic timestamps inside the skew
// window, so a captured request cannot be replayed with a fresh nonce.
func (v *Verifier) staleTimestamp(apiKey string, signedAt, now time.Time) bool {
	cutoff := now.Add(-v.skew)
	current := signedAt.Unix()

	v.mu.Lock()
	defer v.mu.Unlock()

	last, ok := v.latest[apiKey]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current <= last {
				return true
			}
		} else {
			delete(v.latest, apiKey)
			ok = false
		}
	}
	if !ok || current > last {
		v.latest[apiKey] = current
	}
	return false
}

func (v *Verifier) insertLocked(composite string, at time.Time) {
	if elem, exists := v.seen[composite]; exists {
		elem.Value = seenEntry{key: composite, at: at}
		v.order.MoveToBack(elem)
		return
	}
	for v.order.Len() >= v.capacity {
		v.evictFrontLocked()
	}
	v.seen[composite] = v.order.PushBack(seenEntry{key: composite, at: at})
}

func (v *Verifier) evictExpiredLocked(cutoff time.Time) {
	for {
		front := v.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(seenEntry)
		if !entry.at.Before(cutoff) {
			return
		}
		v.order.Remove(front)
		delete(v.seen, entry.key)
	}
}

func (v *Verifier) evictFrontLocked() {
	front := v.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(seenEntry)
	v.order.Remove(front)
	delete(v.seen, entry.key)
}

func compositeOf(apiKey, timestamp, nonce string) string {
	return strings.Join([]string{apiKey, timestamp, nonce}, "|")
}

// CanonicalRequestPath normalises the path and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query fragments so both sides sign the same bytes.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature derives the HMAC-SHA256 over the signing payload:
// timestamp, nonce, upper-cased method, canonical path, and body, joined by
// newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixSeconds(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
