package session

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Cache is the client's best-effort local state: last-known viewport per
// room and the rooms joined as a guest. It sits outside the convergent
// document; losing it loses nothing but convenience.
type Cache struct {
	db *bolt.DB
}

var (
	bucketViewports  = []byte("viewports")
	bucketGuestRooms = []byte("guest_rooms")
)

// Viewport is the last-known camera state for a room.
type Viewport struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Scale      float64 `json:"scale"`
	Background string  `json:"background,omitempty"`
}

// GuestRoom remembers a room joined without an account.
type GuestRoom struct {
	RoomID  string `json:"roomId"`
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
}

// OpenCache opens (creating if needed) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketViewports, bucketGuestRooms} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveViewport stores the room's camera state.
func (c *Cache) SaveViewport(roomID string, vp Viewport) error {
	data, err := json.Marshal(vp)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketViewports).Put([]byte(roomID), data)
	})
}

// LoadViewport returns the room's saved camera state, if any.
func (c *Cache) LoadViewport(roomID string) (Viewport, bool, error) {
	var vp Viewport
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketViewports).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &vp); err != nil {
			return err
		}
		found = true
		return nil
	})
	return vp, found, err
}

// AddGuestRoom remembers a guest-joined room; re-adding is a no-op.
func (c *Cache) AddGuestRoom(room GuestRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGuestRooms)
		if b.Get([]byte(room.RoomID)) != nil {
			return nil
		}
		return b.Put([]byte(room.RoomID), data)
	})
}

// GuestRooms lists every remembered guest room.
func (c *Cache) GuestRooms() ([]GuestRoom, error) {
	var out []GuestRoom
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGuestRooms).ForEach(func(_, v []byte) error {
			var room GuestRoom
			if err := json.Unmarshal(v, &room); err != nil {
				return err
			}
			out = append(out, room)
			return nil
		})
	})
	return out, err
}
