package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/U2SG/yoto-sub000/internal/rbac"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// DefaultL2TTL is the per-key lifetime of a distributed cache entry.
const DefaultL2TTL = 600 * time.Second

// L2 is the distributed tier. Entries are JSON permission lists, gzip
// compressed. L2 never propagates an error to the read path: anything
// wrong reads as a miss and the caller refetches from source.
type L2 struct {
	store *store.Client
	ttl   time.Duration
}

func NewL2(st *store.Client, ttl time.Duration) *L2 {
	if ttl <= 0 {
		ttl = DefaultL2TTL
	}
	return &L2{store: st, ttl: ttl}
}

func (l *L2) TTL() time.Duration { return l.ttl }

// Get fetches and decodes one entry. Missing, unreadable and corrupt
// entries all read as a miss.
func (l *L2) Get(ctx context.Context, key string) (rbac.PermSet, bool) {
	raw, err := l.store.GetBytes(ctx, key)
	if err != nil {
		if !store.Nil(err) {
			slog.Warn("[L2] Read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	perms, err := decodeEntry(raw)
	if err != nil {
		slog.Warn("[L2] Corrupt entry, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return perms, true
}

// Set encodes and stores one entry under the tier TTL. Failures are
// logged and swallowed: a cache write must never fail a permission
// check.
func (l *L2) Set(ctx context.Context, key string, perms rbac.PermSet) {
	raw, err := encodeEntry(perms)
	if err != nil {
		slog.Warn("[L2] Encode failed", "key", key, "error", err)
		return
	}
	if err := l.store.Set(ctx, key, raw, l.ttl); err != nil {
		slog.Warn("[L2] Write failed", "key", key, "error", err)
	}
}

// Delete drops entries. Best-effort.
func (l *L2) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := l.store.Del(ctx, keys...); err != nil {
		slog.Warn("[L2] Delete failed", "keys", len(keys), "error", err)
	}
}

func encodeEntry(perms rbac.PermSet) ([]byte, error) {
	data, err := json.Marshal(perms.Sorted())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (rbac.PermSet, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return rbac.NewPermSet(names...), nil
}
