package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName   = []byte("mxpane")
	sessionKey   = []byte("matrix_client_session")
	installedKey = []byte("matrix_plugin_install_id")
)

// ErrMalformed is returned by Load when the stored record cannot be used.
var ErrMalformed = errors.New("malformed session record")

// Store persists at most one session plus the install sentinel.
type Store interface {
	// Load returns ErrNoSession when nothing is stored.
	Load() (*Session, error)
	Save(s *Session) error
	// Clear removes the session but keeps the install sentinel.
	Clear() error
	Installed() (bool, error)
	MarkInstalled() error
	Close() error
}

// record is the on-disk layout of a session.
type record struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	Homeserver  string `json:"homeserver"`
	Timestamp   int64  `json:"timestamp"`
}

type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucketName)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) get(key []byte) []byte {
	var v []byte

	// bolt values are only valid inside the transaction
	b.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketName).Get(key); data != nil {
			v = append([]byte(nil), data...)
		}
		return nil
	})

	return v
}

func (b *BoltStore) Load() (*Session, error) {
	data := b.get(sessionKey)
	if data == nil {
		return nil, ErrNoSession
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if r.AccessToken == "" || r.UserID == "" || r.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformed)
	}

	return &Session{
		AccessToken: r.AccessToken,
		UserID:      r.UserID,
		DeviceID:    r.DeviceID,
		Homeserver:  r.Homeserver,
		CreatedAt:   time.UnixMilli(r.Timestamp).UTC(),
	}, nil
}

func (b *BoltStore) Save(s *Session) error {
	data, err := json.Marshal(&record{
		AccessToken: s.AccessToken,
		UserID:      s.UserID,
		DeviceID:    s.DeviceID,
		Homeserver:  s.Homeserver,
		Timestamp:   s.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(sessionKey, data)
	})
}

func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(sessionKey)
	})
}

func (b *BoltStore) Installed() (bool, error) {
	installed := false

	err := b.db.View(func(tx *bolt.Tx) error {
		installed = tx.Bucket(bucketName).Get(installedKey) != nil
		return nil
	})

	return installed, err
}

func (b *BoltStore) MarkInstalled() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		if bk.Get(installedKey) != nil {
			return nil
		}

		return bk.Put(installedKey, []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
