package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	noncePrefix = "nonce/"
	seenPrefix  = "seen/"
)

// LevelDBNonceStore keeps signature nonces on disk so the replay window
// survives gateway restarts. Two keyspaces: nonce/<composite> -> observed
// nanos for point lookups, and seen/<nanos>/<composite> for time-ordered
// scans used by Recent and Prune.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// NewLevelDBNonceStore opens (or creates) the store at path.
func NewLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Remember records a nonce, reporting true when it was already present.
func (s *LevelDBNonceStore) Remember(ctx context.Context, record NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("nonce store not configured")
	}
	apiKey := strings.TrimSpace(record.APIKey)
	timestamp := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if apiKey == "" || timestamp == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := compositeOf(apiKey, timestamp, nonce)
	pointKey := []byte(noncePrefix + composite)

	existing, err := s.db.Get(pointKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		prior := int64(binary.BigEndian.Uint64(existing))
		if observed.UnixNano() > prior {
			batch := new(leveldb.Batch)
			batch.Put(pointKey, encodeNanos(observed.UnixNano()))
			batch.Delete([]byte(seenKey(prior, composite)))
			batch.Put([]byte(seenKey(observed.UnixNano(), composite)), nil)
			if err := s.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("refresh nonce: %w", err)
			}
		}
		return true, nil
	}

	batch := new(leveldb.Batch)
	batch.Put(pointKey, encodeNanos(observed.UnixNano()))
	batch.Put([]byte(seenKey(observed.UnixNano(), composite)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Recent returns every record observed at or after the cutoff.
func (s *LevelDBNonceStore) Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("nonce store not configured")
	}
	start := []byte(seenKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		composite, nanos, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// Prune deletes every record observed before the cutoff.
func (s *LevelDBNonceStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nonce store not configured")
	}
	limit := []byte(seenKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		composite, _, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(noncePrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func seenKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d/%s", seenPrefix, nanos, composite)
}

func parseSeenKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), seenPrefix)
	slash := strings.IndexByte(raw, '/')
	if slash <= 0 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(raw[:slash], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return raw[slash+1:], nanos, true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
