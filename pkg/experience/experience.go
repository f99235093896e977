package experience

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSelectors = []byte("selectors")
)

// Entry is the durable record for one (context, selector) pair
type Entry struct {
	Selector  string    `json:"selector"`
	Action    string    `json:"action"`
	Host      string    `json:"host"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Score rates an entry for best-selector lookups; heavily failing
// entries go negative
func (e *Entry) Score() int {
	return e.Successes - 2*e.Failures
}

// Store is the durable addressing-key ledger. The worker face records
// selector outcomes per page context and uses the counts to bias future
// attempts before any network round-trip.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the ledger at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open experience store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSelectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create selectors bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSelectorSuccess bumps the success count for a selector in context
func (s *Store) RecordSelectorSuccess(selector, action, pageURL string) error {
	return s.record(selector, action, pageURL, true)
}

// RecordSelectorFailure bumps the failure count for a selector in context
func (s *Store) RecordSelectorFailure(selector, action, pageURL string) error {
	return s.record(selector, action, pageURL, false)
}

// IsKnownBadSelector reports whether the ledger has seen the selector
// fail decisively more than succeed on this host
func (s *Store) IsKnownBadSelector(selector, pageURL string) bool {
	host := hostOf(pageURL)
	bad := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSelectors).Cursor()
		prefix := []byte(host + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Selector == selector && e.Failures >= 3 && e.Failures > 3*e.Successes {
				bad = true
				return nil
			}
		}
		return nil
	})
	return bad
}

// FindBestSelector returns the highest-scoring selector recorded for an
// action on this host, empty when nothing positive is known
func (s *Store) FindBestSelector(action, pageURL string) string {
	host := hostOf(pageURL)
	best := ""
	bestScore := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSelectors).Cursor()
		prefix := []byte(host + "|" + action + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if score := e.Score(); score > bestScore {
				best = e.Selector
				bestScore = score
			}
		}
		return nil
	})
	return best
}

// Entries returns every recorded entry, mainly for the status surface
func (s *Store) Entries() ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSelectors).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // skip unreadable entries
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

func (s *Store) record(selector, action, pageURL string, success bool) error {
	host := hostOf(pageURL)
	key := []byte(host + "|" + action + "|" + selector)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSelectors)

		e := Entry{Selector: selector, Action: action, Host: host}
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("corrupt experience entry %s: %w", key, err)
			}
		}
		if success {
			e.Successes++
		} else {
			e.Failures++
		}
		e.UpdatedAt = time.Now()

		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// hostOf reduces a page URL to its host so experience generalizes
// across paths of the same site
func hostOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return pageURL
	}
	return u.Host
}
