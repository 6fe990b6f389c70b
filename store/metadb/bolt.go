package metadb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements IndexStore using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *RecordCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewRecordCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened index", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketResources, bucketInfo} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		info := tx.Bucket(bucketInfo)
		if v := info.Get(keySchemaVersion); v != nil {
			if got := binary.BigEndian.Uint32(v); got != SchemaVersion {
				return fmt.Errorf("index schema version %d, want %d", got, SchemaVersion)
			}
			return nil
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, SchemaVersion)
		return info.Put(keySchemaVersion, buf)
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing index")
	err := b.db.Close()
	b.db = nil
	return err
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// GetResource retrieves the record for a resource.
func (b *BoltDB) GetResource(_ context.Context, id string) (*ResourceRecord, error) {
	var rec *ResourceRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketResources).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = b.codec.Decode(val)
		if err != nil {
			return fmt.Errorf("decoding resource %q: %w", id, err)
		}
		return nil
	})
	return rec, err
}

// PutResource stores the record for a resource, replacing any previous one.
// A record without spans deletes the resource.
func (b *BoltDB) PutResource(ctx context.Context, rec *ResourceRecord) error {
	return b.PutResources(ctx, []*ResourceRecord{rec})
}

// PutResources stores several records in one transaction.
func (b *BoltDB) PutResources(_ context.Context, recs []*ResourceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	now := b.now()
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		for _, rec := range recs {
			if len(rec.Spans) == 0 && rec.Length < 0 {
				if err := bucket.Delete([]byte(rec.ID)); err != nil {
					return fmt.Errorf("deleting resource %q: %w", rec.ID, err)
				}
				continue
			}
			rec.UpdatedAt = now
			data, err := b.codec.Encode(rec)
			if err != nil {
				return fmt.Errorf("encoding resource %q: %w", rec.ID, err)
			}
			if err := bucket.Put([]byte(rec.ID), data); err != nil {
				return fmt.Errorf("putting resource %q: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// DeleteResource removes the record for a resource. Missing records are not an error.
func (b *BoltDB) DeleteResource(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(id))
	})
}

// ForEachResource iterates all records in key order.
func (b *BoltDB) ForEachResource(ctx context.Context, fn func(*ResourceRecord) error, onCorrupt func(id string, err error)) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := b.codec.Decode(v)
			if err != nil {
				if onCorrupt != nil {
					onCorrupt(string(k), err)
				}
				return nil
			}
			return fn(rec)
		})
	})
}

// Compile-time interface check
var _ IndexStore = (*BoltDB)(nil)
