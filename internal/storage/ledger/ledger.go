// Package ledger keeps installed rights and their usage counters in
// BadgerDB. Every counter change is a single transaction, so a crash leaves
// either the old or the new count. Reservations are held in memory and are
// tied to the lifetime of the session that made them.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
)

// Unlimited marks a record without a usage count.
const Unlimited = -1

const stripes = 64

// Record is one installed license for (unique id, content id).
type Record struct {
	ContentID      string    `json:"contentId"`
	MimeType       string    `json:"mimeType,omitempty"`
	Key            []byte    `json:"key"`
	MaxCount       int       `json:"maxCount"`
	Remaining      int       `json:"remaining"`
	NotBefore      time.Time `json:"notBefore,omitempty"`
	Expiry         time.Time `json:"expiry,omitempty"`
	DeviceHash     string    `json:"deviceHash,omitempty"`
	AccountID      string    `json:"accountId,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	RightsPath     string    `json:"rightsPath,omitempty"`
	ContentPath    string    `json:"contentPath,omitempty"`
	InstalledAt    time.Time `json:"installedAt"`
}

// Expired reports whether the record is outside its validity window.
func (r Record) Expired(now time.Time) bool {
	if !r.NotBefore.IsZero() && now.Before(r.NotBefore) {
		return true
	}
	return !r.Expiry.IsZero() && !now.Before(r.Expiry)
}

type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     logrus.FieldLogger
}

type Ledger struct {
	db  *badger.DB
	log logrus.FieldLogger

	locks [stripes]sync.Mutex

	resMu     sync.Mutex
	reserved  map[string]map[string]int // ledger key -> session -> count
	bySession map[string]map[string]struct{}
}

func Open(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("ledger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Ledger{
		db:        db,
		log:       cfg.Logger,
		reserved:  make(map[string]map[string]int),
		bySession: make(map[string]map[string]struct{}),
	}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func keyPrefix(uid domain.UniqueID) string {
	return fmt.Sprintf("rights/%08x/", uint32(uid))
}

func recordKey(uid domain.UniqueID, contentID string) string {
	return keyPrefix(uid) + contentID
}

func (l *Ledger) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.locks[h.Sum32()%stripes]
}

// Put installs or replaces a record.
func (l *Ledger) Put(uid domain.UniqueID, rec Record) error {
	if rec.ContentID == "" {
		return fmt.Errorf("missing content id")
	}
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := recordKey(uid, rec.ContentID)
	mu := l.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Get returns the record and whether it exists.
func (l *Ledger) Get(uid domain.UniqueID, contentID string) (Record, bool, error) {
	var rec Record
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, recordKey(uid, contentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, found, nil
}

// List returns every record installed under uid.
func (l *Ledger) List(uid domain.UniqueID) ([]Record, error) {
	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix(uid))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (l *Ledger) Delete(uid domain.UniqueID, contentID string) (bool, error) {
	key := recordKey(uid, contentID)
	mu := l.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	existed := false
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	return existed, nil
}

// DeleteAll removes every record installed under uid in one transaction and
// returns the removed records.
func (l *Ledger) DeleteAll(uid domain.UniqueID) ([]Record, error) {
	var removed []Record
	err := l.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(keyPrefix(uid))
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				it.Close()
				return err
			}
			removed = append(removed, rec)
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete records: %w", err)
	}
	return removed, nil
}

// Available is the number of uses left after outstanding reservations, or
// Unlimited.
func (l *Ledger) Available(uid domain.UniqueID, contentID string) (int, error) {
	rec, found, err := l.Get(uid, contentID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	if rec.Remaining == Unlimited {
		return Unlimited, nil
	}
	key := recordKey(uid, contentID)
	l.resMu.Lock()
	reserved := sumReservations(l.reserved[key])
	l.resMu.Unlock()
	if avail := rec.Remaining - reserved; avail > 0 {
		return avail, nil
	}
	return 0, nil
}

// Consume applies one use of contentID for session. With reserve set the use
// is only held for the session; a later non-reserving call from the same
// session converts one held reservation into a real decrement instead of
// taking another use.
func (l *Ledger) Consume(uid domain.UniqueID, contentID, session string, reserve bool, now time.Time) error {
	key := recordKey(uid, contentID)
	mu := l.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	l.resMu.Lock()
	reserved := sumReservations(l.reserved[key])
	mine := l.reserved[key][session]
	l.resMu.Unlock()

	delta := 0
	err := l.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrRightsRequired
		}
		if err != nil {
			return err
		}
		if rec.Expired(now) {
			return domain.ErrRightsExpired
		}

		if rec.Remaining == Unlimited {
			switch {
			case reserve:
				delta = 1
			case mine > 0:
				delta = -1
			}
			return nil
		}

		if reserve {
			if rec.Remaining-reserved <= 0 {
				return domain.ErrRightsExhausted
			}
			delta = 1
			return nil
		}

		if mine > 0 {
			delta = -1
		} else if rec.Remaining-reserved <= 0 {
			return domain.ErrRightsExhausted
		}
		rec.Remaining--
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		if errors.Is(err, domain.ErrRightsRequired) || errors.Is(err, domain.ErrRightsExpired) || errors.Is(err, domain.ErrRightsExhausted) {
			return err
		}
		return fmt.Errorf("failed to consume rights: %w: %v", domain.ErrIO, err)
	}

	if delta != 0 {
		l.adjust(key, session, delta)
	}
	return nil
}

// Release drops every reservation held by session and returns how many
// were rolled back.
func (l *Ledger) Release(session string) int {
	l.resMu.Lock()
	keys := make([]string, 0, len(l.bySession[session]))
	for k := range l.bySession[session] {
		keys = append(keys, k)
	}
	l.resMu.Unlock()

	total := 0
	for _, key := range keys {
		mu := l.stripe(key)
		mu.Lock()
		l.resMu.Lock()
		total += l.reserved[key][session]
		delete(l.reserved[key], session)
		if len(l.reserved[key]) == 0 {
			delete(l.reserved, key)
		}
		l.resMu.Unlock()
		mu.Unlock()
	}

	l.resMu.Lock()
	delete(l.bySession, session)
	l.resMu.Unlock()

	if total > 0 {
		l.log.WithFields(logrus.Fields{"session": session, "reservations": total}).Debug("rolled back reservations")
	}
	return total
}

// Reserved is the number of reservations session holds on contentID.
func (l *Ledger) Reserved(uid domain.UniqueID, contentID, session string) int {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	return l.reserved[recordKey(uid, contentID)][session]
}

func (l *Ledger) adjust(key, session string, delta int) {
	l.resMu.Lock()
	defer l.resMu.Unlock()

	book := l.reserved[key]
	if book == nil {
		book = make(map[string]int)
		l.reserved[key] = book
	}
	book[session] += delta
	if book[session] <= 0 {
		delete(book, session)
		if len(book) == 0 {
			delete(l.reserved, key)
		}
		if keys := l.bySession[session]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(l.bySession, session)
			}
		}
		return
	}
	if l.bySession[session] == nil {
		l.bySession[session] = make(map[string]struct{})
	}
	l.bySession[session][key] = struct{}{}
}

func getRecord(txn *badger.Txn, key string) (Record, error) {
	var rec Record
	item, err := txn.Get([]byte(key))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func sumReservations(book map[string]int) int {
	total := 0
	for _, n := range book {
		total += n
	}
	return total
}
