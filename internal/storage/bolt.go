package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

// DBFilename is the bbolt file created under the data directory.
const DBFilename = "mcpbridge.db"

// keySeparator joins userID and serverKey inside TokensBucket. The unit
// separator cannot appear in either component.
const keySeparator = "\x1f"

// BoltStore wraps the bbolt database holding token records.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltStore opens (or creates) the database under dataDir. A held file
// lock is waited on for up to 10 seconds; a stale lock is recovered by
// backing the file up and recreating it.
func NewBoltStore(dataDir string, logger *zap.SugaredLogger) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFilename)

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		logger.Warnw("Failed to open token database on first attempt", "error", err)

		if err == bolterrors.ErrTimeout {
			backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
			logger.Infow("Database lock timeout, backing up and recreating", "backup", backupPath)

			if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
				logger.Warnw("Failed to back up locked database", "error", cpErr)
			}
			if rmErr := os.Remove(dbPath); rmErr != nil {
				logger.Warnw("Failed to remove locked database file", "error", rmErr)
			}

			db, err = bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open token database: %w", err)
		}
	}

	store := &BoltStore{db: db, logger: logger}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{TokensBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		version := make([]byte, 8)
		binary.LittleEndian.PutUint64(version, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), version)
	})
}

// SchemaVersion returns the stored schema version.
func (s *BoltStore) SchemaVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		if raw := bucket.Get([]byte(SchemaVersionKey)); raw != nil {
			version = binary.LittleEndian.Uint64(raw)
		}
		return nil
	})
	return version, err
}

func tokenKey(userID, serverKey string) []byte {
	if userID == "" {
		userID = AppUserID
	}
	return []byte(userID + keySeparator + serverKey)
}

// FindToken returns the record for (userID, serverKey), or nil when absent.
func (s *BoltStore) FindToken(userID, serverKey string) (*TokenRecord, error) {
	var record *TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(TokensBucket)).Get(tokenKey(userID, serverKey))
		if raw == nil {
			return nil
		}
		record = &TokenRecord{}
		if err := record.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("failed to decode token record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateToken stores a new record; it fails when one already exists.
func (s *BoltStore) CreateToken(record *TokenRecord) error {
	if record.UserID == "" {
		record.UserID = AppUserID
	}
	now := time.Now()
	record.Created = now
	record.Updated = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		key := tokenKey(record.UserID, record.ServerKey)
		if bucket.Get(key) != nil {
			return fmt.Errorf("token record already exists for user %s server %s", record.UserID, record.ServerKey)
		}
		raw, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode token record: %w", err)
		}
		return bucket.Put(key, raw)
	})
}

// UpdateToken upserts a record, preserving the original Created stamp when
// the record already exists.
func (s *BoltStore) UpdateToken(record *TokenRecord) error {
	if record.UserID == "" {
		record.UserID = AppUserID
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		key := tokenKey(record.UserID, record.ServerKey)

		record.Updated = time.Now()
		if existing := bucket.Get(key); existing != nil {
			var prev TokenRecord
			if err := prev.UnmarshalBinary(existing); err == nil && !prev.Created.IsZero() {
				record.Created = prev.Created
			}
		}
		if record.Created.IsZero() {
			record.Created = record.Updated
		}

		raw, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode token record: %w", err)
		}
		return bucket.Put(key, raw)
	})
}

// DeleteToken removes the record for (userID, serverKey). Deleting a missing
// record is not an error.
func (s *BoltStore) DeleteToken(userID, serverKey string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(TokensBucket)).Delete(tokenKey(userID, serverKey))
	})
}

// ListTokens returns every record stored for userID.
func (s *BoltStore) ListTokens(userID string) ([]*TokenRecord, error) {
	if userID == "" {
		userID = AppUserID
	}
	prefix := []byte(userID + keySeparator)

	var records []*TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(TokensBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			record := &TokenRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				s.logger.Warnw("Skipping undecodable token record", "key", string(k), "error", err)
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Backup writes a consistent copy of the database to path.
func (s *BoltStore) Backup(path string) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
