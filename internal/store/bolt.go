package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	hostsBucket      = []byte("hosts")
	machineIDsBucket = []byte("machine_ids")
)

// BoltStore wraps a bbolt database for host records.
//
// Records live in the hosts bucket keyed by the 16 id bytes, so a cursor
// walks them in creation order. The machine_ids bucket maps each external
// machine id to its host id and is the uniqueness index.
type BoltStore struct {
	db  *bolt.DB
	log zerolog.Logger
}

// NewBoltStore opens or creates a BoltDB file at the given path.
func NewBoltStore(path string, log zerolog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{hostsBucket, machineIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, log: log.With().Str("component", "store").Str("driver", DriverBolt).Logger()}, nil
}

// Close closes the underlying BoltDB.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FindByMachineID looks the host up through the machine id index.
func (s *BoltStore) FindByMachineID(_ context.Context, machineID string) (*Host, error) {
	var host *Host
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(machineIDsBucket).Get([]byte(machineID))
		if id == nil {
			return ErrNotFound
		}
		h, err := getHost(tx, id)
		if err != nil {
			return err
		}
		host = h
		return nil
	})
	return host, err
}

// Get loads a host by internal id.
func (s *BoltStore) Get(_ context.Context, id uuid.UUID) (*Host, error) {
	var host *Host
	err := s.db.View(func(tx *bolt.Tx) error {
		h, err := getHost(tx, id[:])
		if err != nil {
			return err
		}
		host = h
		return nil
	})
	return host, err
}

// Insert stores a new host and claims its machine id in the same transaction.
func (s *BoltStore) Insert(_ context.Context, h *Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(machineIDsBucket)
		if index.Get([]byte(h.MachineID)) != nil {
			return ErrDuplicateMachineID
		}
		if err := putHost(tx, h); err != nil {
			return err
		}
		if err := index.Put([]byte(h.MachineID), h.ID[:]); err != nil {
			return fmt.Errorf("indexing machine id: %w", err)
		}

		s.log.Debug().
			Str("host_id", h.ID.String()).
			Str("machine_id", h.MachineID).
			Msg("Host inserted")
		return nil
	})
}

// Patch reads, merges and writes the record inside one write transaction.
func (s *BoltStore) Patch(_ context.Context, id uuid.UUID, p HostPatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		h, err := getHost(tx, id[:])
		if err != nil {
			return err
		}
		p.ApplyTo(h)
		return putHost(tx, h)
	})
}

// List returns all host records.
func (s *BoltStore) List(_ context.Context) ([]Host, error) {
	var hosts []Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(hostsBucket).ForEach(func(k, v []byte) error {
			var h Host
			if err := msgpack.Unmarshal(v, &h); err != nil {
				s.log.Warn().Err(err).Hex("key", k).Msg("Skipping corrupt record")
				return nil
			}
			hosts = append(hosts, h)
			return nil
		})
	})
	return hosts, err
}

func getHost(tx *bolt.Tx, key []byte) (*Host, error) {
	data := tx.Bucket(hostsBucket).Get(key)
	if data == nil {
		return nil, ErrNotFound
	}
	var h Host
	if err := msgpack.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshaling host record: %w", err)
	}
	return &h, nil
}

func putHost(tx *bolt.Tx, h *Host) error {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling host record: %w", err)
	}
	return tx.Bucket(hostsBucket).Put(h.ID[:], data)
}
