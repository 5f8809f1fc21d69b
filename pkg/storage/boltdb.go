package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBalancers = []byte("balancers")
	bucketJobs      = []byte("jobs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hive.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBalancers, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Balancer state operations
func (s *BoltStore) SaveBalancerState(nodeUUID, algorithm string, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalancers).Put([]byte(balancerKey(nodeUUID, algorithm)), state)
	})
}

func (s *BoltStore) GetBalancerState(nodeUUID, algorithm string) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBalancers).Get([]byte(balancerKey(nodeUUID, algorithm)))
		if data == nil {
			return fmt.Errorf("balancer state %s/%s: %w", nodeUUID, algorithm, ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		state = append([]byte(nil), data...)
		return nil
	})
	return state, err
}

func (s *BoltStore) DeleteBalancerState(nodeUUID, algorithm string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalancers).Delete([]byte(balancerKey(nodeUUID, algorithm)))
	})
}

// Job operations
func (s *BoltStore) SaveJob(rec *JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(rec.UUID), data)
	})
}

func (s *BoltStore) GetJob(uuid string) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("job %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListJobs() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			jobs = append(jobs, &rec)
			return nil
		})
	})
	sortBySubmission(jobs)
	return jobs, err
}

func (s *BoltStore) DeleteJob(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(uuid))
	})
}

func sortBySubmission(jobs []*JobRecord) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
}
