// Package localstate is a small BoltDB-backed durability layer: it persists
// the last-known QualityStats/CumulativeHistory snapshot, and at startup
// cmd/pipeline logs any snapshot left from before a restart. The snapshot is
// not served by the Control Surface and is not loaded back into the live
// counters.
//
// This is not the pipeline's system of record — InfluxDB is — it only
// survives a process restart between cycles.
package localstate

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

const (
	// DefaultDBPath is the default BoltDB file location for local snapshots.
	DefaultDBPath = "/var/lib/bioprocess-pipeline/state.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketSnapshot = "snapshot"
	bucketMeta     = "meta"

	keySnapshot      = "last"
	keySchemaVersion = "schema_version"
)

// Snapshot is the persisted form of one vessel's process-wide quality and
// integration state.
type Snapshot struct {
	VesselID    string                 `json:"vessel_id"`
	Quality     model.QualityStats     `json:"quality_stats"`
	Cumulative  model.CumulativeHistory `json:"cumulative_history"`
	CycleCount  int                    `json:"cycle_count"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// DB wraps a BoltDB instance holding the single most-recent Snapshot.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path, initialising its
// buckets and verifying the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSnapshot, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(keySchemaVersion)) == nil {
			return meta.Put([]byte(keySchemaVersion), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(keySchemaVersion))
		if string(v) != SchemaVersion {
			return fmt.Errorf("localstate: schema version mismatch: database has %q, binary requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// PutSnapshot overwrites the single stored snapshot.
func (d *DB) PutSnapshot(s Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("localstate: marshal snapshot: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Put([]byte(keySnapshot), data)
	})
}

// GetSnapshot returns the last stored snapshot, or (nil, nil) if none has
// been written yet.
func (d *DB) GetSnapshot() (*Snapshot, error) {
	var out Snapshot
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketSnapshot)).Get([]byte(keySnapshot))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("localstate: read snapshot: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}
