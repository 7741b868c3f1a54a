// Package store persists advertised services in a BoltDB file so a node can
// announce them again after a restart.
package store

import (
	"encoding/json"
	goerrors "errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/joshuafuller/flyweb/internal/errors"
	"github.com/joshuafuller/flyweb/internal/responder"
)

const (
	bServices = "services"

	openTimeout = 2 * time.Second
)

// Record is one persisted service.
type Record struct {
	ServiceType string            `json:"service_type"`
	Name        string            `json:"name"`
	Port        uint16            `json:"port"`
	Options     map[string]string `json:"options,omitempty"`
	Registered  time.Time         `json:"registered"`
}

// FullName returns the key the record is stored under.
func (r Record) FullName() string {
	return r.Name + "." + r.ServiceType
}

// Service converts the record back to an advertisable service.
func (r Record) Service() *responder.Service {
	opts := make(map[string]string, len(r.Options))
	for k, v := range r.Options {
		opts[k] = v
	}
	return &responder.Service{
		ServiceType: r.ServiceType,
		Name:        r.Name,
		Port:        r.Port,
		Options:     opts,
	}
}

// FromService builds a record for svc stamped with the current time.
func FromService(svc *responder.Service) Record {
	return Record{
		ServiceType: svc.ServiceType,
		Name:        svc.Name,
		Port:        svc.Port,
		Options:     svc.Options,
		Registered:  time.Now().UTC(),
	}
}

// Store is a BoltDB-backed service store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, &errors.ValidationError{Field: "path", Value: path, Message: "cannot be empty"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bServices))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Put stores rec, replacing any record with the same full name.
func (s *Store) Put(rec Record) error {
	if rec.Name == "" || rec.ServiceType == "" {
		return &errors.ValidationError{Field: "record", Value: rec.FullName(), Message: "name and service type are required"}
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bServices)).Put([]byte(rec.FullName()), val)
	})
}

// Get returns the record stored under fullName.
func (s *Store) Get(fullName string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bServices)).Get([]byte(fullName))
		if raw == nil {
			return &errors.NotFoundError{Kind: "record", ID: fullName}
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Delete removes the record stored under fullName. It returns a
// NotFoundError if there is none.
func (s *Store) Delete(fullName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bServices))
		if b.Get([]byte(fullName)) == nil {
			return &errors.NotFoundError{Kind: "record", ID: fullName}
		}
		return b.Delete([]byte(fullName))
	})
}

// LoadAll calls fn for every record in full-name order. Records that fail to
// decode are skipped. An error from fn stops the walk and is returned.
func (s *Store) LoadAll(fn func(rec Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bServices)).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			return fn(rec)
		})
	})
}

// Records returns every record sorted by registration time, oldest first.
func (s *Store) Records() ([]Record, error) {
	var out []Record
	err := s.LoadAll(func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Registered.Before(out[j].Registered)
	})
	return out, nil
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *errors.NotFoundError
	return goerrors.As(err, &nf)
}
