package cache

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a persistent record store.
// It stores and retrieves []byte values, which represent normalized cache records.
// Operating on key prefixes is very important
// in order for many caches (sessions) to be able to be stored in the same db.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// AllKeys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	AllKeys(prefix string, cb func(string)) error
	// All returns all cache entries that have the specific key prefix.
	All(prefix string) ([]CacheEntry, error)
	// Get returns the stored record for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(key string) ([]byte, bool, error)
	// Put stores the given record under the given key.
	Put(key string, bytes []byte) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists.
	Has(key string) bool
}

type CacheEntry struct {
	Key       string
	WrittenAt time.Time
	Bytes     []byte
}

type memCacheEntry struct {
	writtenAt time.Time
	bytes     []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
	}
}

func (m MemCache) AllKeys(prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	// call back without holding the lock, so that the callback may purge
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) All(prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, val := range m.db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, CacheEntry{
				Key:       key,
				Bytes:     val.bytes,
				WrittenAt: val.writtenAt,
			})
		}
	}
	return entries, nil
}

func (m MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memCacheEntry{time.Now(), bytes}
	return nil
}

func (m MemCache) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) Has(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new record store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	// a single connection keeps in-memory dbs alive and avoids write contention
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			written_at INTEGER,
			bytes BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// substr counts characters, so prefix lengths are given in runes.
func (s SQLiteCache) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	rows, err := s.db.Query(`SELECT key, written_at, bytes FROM records WHERE substr(key, 1, ?) = ?`,
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var written int64
		if err := rows.Scan(&entry.Key, &written, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.WrittenAt = time.Unix(written, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM records WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO records (key, written_at, bytes) VALUES (?, ?, ?)",
		key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM records WHERE key = ?", key)
	return err
}

func (s SQLiteCache) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM records WHERE key = ?", key).Scan(&one)
	return err == nil
}

// AllKeys reads all matching keys before calling back,
// so that the callback may write to the db.
func (s SQLiteCache) AllKeys(prefix string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM records WHERE substr(key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
