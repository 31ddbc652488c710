package cache

import (
	"bytes"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/navraksha/relay/pkg/errmodel"
)

// Region is a named grouping of cached entries sharing a freshness
// policy.
type Region string

const (
	RegionStatic  Region = "static"
	RegionDynamic Region = "dynamic"
	RegionTiles   Region = "tiles"
)

// Entry is a cached response body keyed by request identity. At most
// one entry exists per key per region.
type Entry struct {
	Key         string    `json:"key"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
}

const (
	metaBucket       = "meta"
	dynamicBucket    = "dynamic"
	tilesBucket      = "tiles"
	staticPrefix     = "static@"
	currentStaticKey = "static_version"
	pendingStaticKey = "static_pending"
)

// Store is a bbolt-backed blob cache. Buckets map to regions; the
// static region is versioned, with one bucket per installed version.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the cache database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errmodel.Storage(errmodel.CodeUnavailable, "open cache db", map[string]any{"path": path}, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{metaBucket, dynamicBucket, tilesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errmodel.Storage(errmodel.CodeUnavailable, "init cache buckets", nil, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) bucketName(tx *bbolt.Tx, region Region) []byte {
	switch region {
	case RegionDynamic:
		return []byte(dynamicBucket)
	case RegionTiles:
		return []byte(tilesBucket)
	case RegionStatic:
		meta := tx.Bucket([]byte(metaBucket))
		if v := meta.Get([]byte(currentStaticKey)); v != nil {
			return append([]byte(staticPrefix), v...)
		}
		return []byte(staticPrefix + "v0")
	}
	return nil
}

// Put stores an entry, replacing any previous entry under the same key.
func (s *Store) Put(region Region, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucketName(tx, region))
		if err != nil {
			return err
		}
		return b.Put([]byte(e.Key), raw)
	})
	if err != nil {
		return errmodel.Storage(errmodel.CodeUnavailable, "cache put", map[string]any{"region": string(region)}, err)
	}
	return nil
}

// Get returns the entry under key, if present.
func (s *Store) Get(region Region, key string) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketName(tx, region))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return Entry{}, false, errmodel.Storage(errmodel.CodeUnavailable, "cache get", nil, err)
	}
	return e, found, nil
}

// Delete removes the entry under key if present.
func (s *Store) Delete(region Region, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketName(tx, region))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errmodel.Storage(errmodel.CodeUnavailable, "cache delete", nil, err)
	}
	return nil
}

// Status returns per-region entry counts.
func (s *Store) Status() (map[string]int, error) {
	out := make(map[string]int, 3)
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, region := range []Region{RegionStatic, RegionDynamic, RegionTiles} {
			b := tx.Bucket(s.bucketName(tx, region))
			if b == nil {
				out[string(region)] = 0
				continue
			}
			out[string(region)] = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, errmodel.Storage(errmodel.CodeUnavailable, "cache status", nil, err)
	}
	return out, nil
}

// sweepDynamic removes dynamic entries stored before cutoff and
// returns how many were removed. Static and tile regions are never
// swept here; tiles are pruned only by their read-time expiry check.
func (s *Store) sweepDynamic(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(dynamicBucket))
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.StoredAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errmodel.Storage(errmodel.CodeUnavailable, "cache sweep", nil, err)
	}
	return removed, nil
}

// stagePending records version as the pending static version and
// returns its bucket name, creating it if needed.
func (s *Store) stagePending(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(staticPrefix + version)); err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(pendingStaticKey), []byte(version))
	})
}

func (s *Store) putVersioned(version string, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(staticPrefix + version))
		if b == nil {
			return errmodel.Cache("not_staged", version, nil)
		}
		return b.Put([]byte(e.Key), raw)
	})
}

// activate promotes the pending static version (or the named one) to
// current and deletes every other static bucket, the way a worker
// activation discards superseded caches.
func (s *Store) activate(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if version == "" {
			if v := meta.Get([]byte(pendingStaticKey)); v != nil {
				version = string(v)
			}
		}
		if version == "" {
			return nil
		}
		if err := meta.Put([]byte(currentStaticKey), []byte(version)); err != nil {
			return err
		}
		if err := meta.Delete([]byte(pendingStaticKey)); err != nil {
			return err
		}
		keep := []byte(staticPrefix + version)
		var drop [][]byte
		if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(staticPrefix)) && !bytes.Equal(name, keep) {
				drop = append(drop, append([]byte(nil), name...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, name := range drop {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
