package syncbridge

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vinayprograms/watchkit/errors"
)

var (
	bucketApplied = []byte("applied")
	bucketPushed  = []byte("pushed")
)

// Journal is the zone-local record of sync progress: which remote
// revisions were already applied and the content hash of the last push
// per task. It makes sync cycles idempotent; losing it costs a full
// re-scan, never correctness, because apply and push are both
// idempotent against the store and the backing directory.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (creating if needed) a journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "open sync journal")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketApplied); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPushed)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "initialize sync journal")
	}
	return &Journal{db: db}, nil
}

// Applied reports whether a revision was already applied locally.
func (j *Journal) Applied(rev Revision) (bool, error) {
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketApplied).Get([]byte(rev.Key())) != nil
		return nil
	})
	if err != nil {
		return false, errors.WrapWithCode(err, errors.CodeResourceExhausted, "read sync journal")
	}
	return found, nil
}

// MarkApplied records a revision as applied.
func (j *Journal) MarkApplied(rev Revision) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplied).Put([]byte(rev.Key()), []byte{1})
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "write sync journal")
	}
	return nil
}

// LastPushed returns the content hash of the last push for a task, or
// empty.
func (j *Journal) LastPushed(taskID string) (string, error) {
	var hash string
	err := j.db.View(func(tx *bolt.Tx) error {
		hash = string(tx.Bucket(bucketPushed).Get([]byte(taskID)))
		return nil
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeResourceExhausted, "read sync journal")
	}
	return hash, nil
}

// SetLastPushed records the content hash of a push.
func (j *Journal) SetLastPushed(taskID, hash string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPushed).Put([]byte(taskID), []byte(hash))
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeResourceExhausted, "write sync journal")
	}
	return nil
}

// Close releases the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// contentHash fingerprints an encoded record.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
