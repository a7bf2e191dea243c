package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketGear  = []byte("gear")
	bucketBus   = []byte("bus")
	keyBusState = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGear, bucketBus} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveGear(g *Gear) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGear)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGear)
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return b.Put([]byte(g.UniqueID), data)
	})
}

func (s *BoltStore) GetGear(uniqueID string) (*Gear, error) {
	var g Gear
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGear)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGear)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("gear %s: %w", uniqueID, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) DeleteGear(uniqueID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGear)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGear)
		}
		return b.Delete([]byte(uniqueID))
	})
}

func (s *BoltStore) ListGear() ([]*Gear, error) {
	var gear []*Gear
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGear)
		if b == nil {
			return nil // no bucket = no gear
		}
		gear = make([]*Gear, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var g Gear
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			gear = append(gear, &g)
			return nil
		})
	})
	return gear, err
}

func (s *BoltStore) UpdateGear(uniqueID string, fn func(g *Gear) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGear)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGear)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("gear %s: %w", uniqueID, ErrNotFound)
		}
		var g Gear
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		if err := fn(&g); err != nil {
			return err
		}
		updated, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		return b.Put([]byte(uniqueID), updated)
	})
}

func (s *BoltStore) SaveBusState(state *BusState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBus)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBus)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyBusState, data)
	})
}

func (s *BoltStore) GetBusState() (*BusState, error) {
	var state BusState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBus)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBus)
		}
		data := b.Get(keyBusState)
		if data == nil {
			return fmt.Errorf("bus state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
