package director

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

var (
	bucketItemInfo = []byte("iteminfo")
	bucketRoster   = []byte("roster")
)

var rosterKey = []byte("members")

// Snapshot is a bbolt-backed warm cache: item transferability learned from
// the server and the last clan roster. It survives restarts so the bot does
// not re-query every item and member on connect.
type Snapshot struct {
	bolt *bbolt.DB
	cl   gameapi.Client
}

// OpenSnapshot opens or creates the snapshot database.
func OpenSnapshot(path string, cl gameapi.Client) (*Snapshot, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItemInfo, bucketRoster} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: create buckets: %w", err)
	}
	return &Snapshot{bolt: db, cl: cl}, nil
}

// Close closes the underlying database.
func (s *Snapshot) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

func itemKey(iid gameapi.ItemID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(iid))
	return k[:]
}

// CanTransfer answers whether an item may be attached to mail, querying the
// server once per item kind and caching the bit forever after.
func (s *Snapshot) CanTransfer(iid gameapi.ItemID) (bool, error) {
	var cached []byte
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketItemInfo).Get(itemKey(iid)); v != nil {
			cached = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("snapshot: read item %d: %w", iid, err)
	}
	if len(cached) == 1 {
		return cached[0] == 1, nil
	}

	info, err := s.cl.ItemInformation(iid)
	if err != nil {
		return false, fmt.Errorf("snapshot: item info %d: %w", iid, err)
	}
	v := []byte{0}
	if info.CanTransfer {
		v[0] = 1
	}
	err = s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItemInfo).Put(itemKey(iid), v)
	})
	if err != nil {
		return false, fmt.Errorf("snapshot: store item %d: %w", iid, err)
	}
	return info.CanTransfer, nil
}

// SaveRoster persists the clan member map for a warm start.
func (s *Snapshot) SaveRoster(members map[gameapi.UserID]ClanMember) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(members); err != nil {
		return fmt.Errorf("snapshot: encode roster: %w", err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoster).Put(rosterKey, buf.Bytes())
	})
}

// LoadRoster returns the last persisted clan member map, or nil if none.
func (s *Snapshot) LoadRoster() (map[gameapi.UserID]ClanMember, error) {
	var raw []byte
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketRoster).Get(rosterKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: read roster: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var members map[gameapi.UserID]ClanMember
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&members); err != nil {
		return nil, fmt.Errorf("snapshot: decode roster: %w", err)
	}
	return members, nil
}
