package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/metrics"
	"github.com/dreamware/kvring/internal/protocol"
	"github.com/dreamware/kvring/internal/wal"
)

// VersionedValue is a stored value tagged with its version metadata.
// Timestamp is the sole basis for ordering; Origin records the node that
// first accepted the write and is informational.
type VersionedValue struct {
	Value     string
	Timestamp uint64
	Origin    string
}

// KeyValue pairs a key with its versioned value, used by the bulk APIs.
type KeyValue struct {
	Key   string
	Value VersionedValue
}

// Engine is the thread-safe storage engine: map plus WAL.
type Engine struct {
	mu   sync.RWMutex
	data map[string]VersionedValue
	wal  *wal.Log
	dir  string
}

// NewEngine creates the engine rooted at dataDir, opening (or creating) the
// WAL at <dataDir>/wal.log. Call Recover to rebuild state from a previous
// run before serving traffic.
func NewEngine(dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "storage: create data dir %s", dataDir)
	}
	w, err := wal.Open(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, err
	}
	log.WithField("dir", dataDir).Info("storage engine initialized")
	return &Engine{
		data: make(map[string]VersionedValue),
		wal:  w,
		dir:  dataDir,
	}, nil
}

// Put stores value under key if ts is newer than any existing entry. The
// WAL append happens first; on WAL failure the map is left untouched and
// the error is returned. The bool reports whether the write was applied —
// false means a newer (or equal) version already exists.
func (e *Engine) Put(key, value string, ts uint64, origin string) (bool, error) {
	if err := e.wal.Append(protocol.OpPut, key, value, ts); err != nil {
		log.WithError(err).Error("storage: WAL append failed, put dropped")
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.data[key]; ok && existing.Timestamp >= ts {
		metrics.StorageOpsTotal.WithLabelValues("put", "stale").Inc()
		return false, nil
	}
	e.data[key] = VersionedValue{Value: value, Timestamp: ts, Origin: origin}
	metrics.StorageOpsTotal.WithLabelValues("put", "applied").Inc()
	metrics.StoreSize.Set(float64(len(e.data)))
	return true, nil
}

// Get returns the versioned value for key, or ok=false if absent.
func (e *Engine) Get(key string) (VersionedValue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vv, ok := e.data[key]
	return vv, ok
}

// Delete removes key if ts is newer than the stored version. Returns false
// when the key is absent or the stored version is at least as new.
func (e *Engine) Delete(key string, ts uint64) (bool, error) {
	if err := e.wal.Append(protocol.OpDelete, key, "", ts); err != nil {
		log.WithError(err).Error("storage: WAL append failed, delete dropped")
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.data[key]
	if !ok || existing.Timestamp >= ts {
		metrics.StorageOpsTotal.WithLabelValues("delete", "stale").Inc()
		return false, nil
	}
	delete(e.data, key)
	metrics.StorageOpsTotal.WithLabelValues("delete", "applied").Inc()
	metrics.StoreSize.Set(float64(len(e.data)))
	return true, nil
}

// ConditionalPut applies a fully-formed versioned value under the same
// last-writer-wins rule as Put. Replicated writes and read repair use it:
// replaying the same (ts, value) pair is a no-op, which makes it idempotent.
func (e *Engine) ConditionalPut(key string, vv VersionedValue) (bool, error) {
	if err := e.wal.Append(protocol.OpPut, key, vv.Value, vv.Timestamp); err != nil {
		log.WithError(err).Error("storage: WAL append failed, conditional put dropped")
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.data[key]; ok && existing.Timestamp >= vv.Timestamp {
		metrics.StorageOpsTotal.WithLabelValues("conditional_put", "stale").Inc()
		return false, nil
	}
	e.data[key] = vv
	metrics.StorageOpsTotal.WithLabelValues("conditional_put", "applied").Inc()
	metrics.StoreSize.Set(float64(len(e.data)))
	return true, nil
}

// BulkPut applies each entry under the last-writer-wins rule, logging each
// accepted entry. The whole batch runs under one exclusive lock
// acquisition; logging under the map lock is an accepted
// correctness-over-throughput trade.
func (e *Engine) BulkPut(entries []KeyValue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kv := range entries {
		if existing, ok := e.data[kv.Key]; ok && existing.Timestamp >= kv.Value.Timestamp {
			continue
		}
		if err := e.wal.Append(protocol.OpPut, kv.Key, kv.Value.Value, kv.Value.Timestamp); err != nil {
			return errors.Wrap(err, "storage: bulk put")
		}
		e.data[kv.Key] = kv.Value
	}
	metrics.StoreSize.Set(float64(len(e.data)))
	return nil
}

// RemoveKeys unconditionally drops the given keys. Only administrative
// rebalance uses it; no WAL tombstones are written, so the removal does not
// survive a replay on its own.
func (e *Engine) RemoveKeys(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		delete(e.data, key)
	}
	metrics.StoreSize.Set(float64(len(e.data)))
}

// GetAllData returns a snapshot copy of every (key, value) pair.
func (e *Engine) GetAllData() []KeyValue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]KeyValue, 0, len(e.data))
	for k, vv := range e.data {
		out = append(out, KeyValue{Key: k, Value: vv})
	}
	return out
}

// Size returns the number of keys held.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

// Recover replays the WAL and rebuilds the map in file order under the
// last-writer-wins rule. Values recovered from the log carry an empty
// origin: the record format does not persist it.
func (e *Engine) Recover() error {
	entries, err := e.wal.Replay()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	applied := 0
	for _, entry := range entries {
		switch entry.Op {
		case protocol.OpPut, protocol.OpInternalPut:
			if existing, ok := e.data[entry.Key]; ok && existing.Timestamp >= entry.Timestamp {
				continue
			}
			e.data[entry.Key] = VersionedValue{Value: entry.Value, Timestamp: entry.Timestamp}
			applied++
		case protocol.OpDelete, protocol.OpInternalDelete:
			if existing, ok := e.data[entry.Key]; ok && existing.Timestamp < entry.Timestamp {
				delete(e.data, entry.Key)
				applied++
			}
		default:
			log.WithField("op", entry.Op).Warn("storage: unknown op in WAL, skipped")
		}
	}
	metrics.StoreSize.Set(float64(len(e.data)))
	log.WithFields(log.Fields{"entries": len(entries), "applied": applied, "keys": len(e.data)}).
		Info("recovery complete")
	return nil
}

// Close syncs and closes the WAL.
func (e *Engine) Close() error {
	return e.wal.Close()
}
