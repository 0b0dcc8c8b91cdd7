package server

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	lablog "github.com/albertqi/wire-protocols/logger"
)

const timestampLayout = "2006-01-02 15:04:05"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (username TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		FOREIGN KEY(receiver) REFERENCES accounts(username) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS messages_receiver ON messages(receiver)`,
}

// Store holds the accounts and the per-recipient message backlog of one
// replica.
//
// Check-then-act sequences on accounts run under accountsMu. Backlog access
// is serialized per recipient, so deliveries to different users proceed
// concurrently. Lock order is accountsMu, then a recipient lock.
type Store struct {
	me         int
	db         *sql.DB
	accountsMu deadlock.Mutex
	backlog    *keyedMutex
	now        func() time.Time
}

// OpenStore opens or creates the database at path, enables foreign keys and
// creates the schema.
func OpenStore(path string, me int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps the foreign_keys pragma in effect for every
	// statement and lets SQLite serialize writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	lablog.Debug(me, lablog.Store, "Opened database %s", path)
	return &Store{
		me:      me,
		db:      db,
		backlog: newKeyedMutex(),
		now:     time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount adds name and returns it.
func (s *Store) CreateAccount(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyUsername
	}

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	exists, err := s.accountExists(name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrDuplicateUsername
	}
	if _, err := s.db.Exec(`INSERT INTO accounts (username) VALUES (?)`, name); err != nil {
		return "", fmt.Errorf("insert account: %w", err)
	}
	lablog.Debug(s.me, lablog.Store, "Created account %q", name)
	return name, nil
}

// DeleteAccount removes name together with its queued messages.
func (s *Store) DeleteAccount(name string) (string, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	exists, err := s.accountExists(name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrUnknownUsername
	}

	unlock := s.backlog.Lock(name)
	defer unlock()
	if _, err := s.db.Exec(`DELETE FROM accounts WHERE username = ?`, name); err != nil {
		return "", fmt.Errorf("delete account: %w", err)
	}
	lablog.Debug(s.me, lablog.Store, "Deleted account %q", name)
	return name, nil
}

// ListAccounts returns every username containing sub, case-sensitively, in
// insertion order. An empty sub matches all accounts.
func (s *Store) ListAccounts(sub string) ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM accounts WHERE instr(username, ?) > 0 ORDER BY rowid`, sub)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SendMessage queues text from sender onto receiver's backlog.
func (s *Store) SendMessage(sender, receiver, text string) error {
	unlock := s.backlog.Lock(receiver)
	defer unlock()

	ts := s.now().UTC().Format(timestampLayout)
	_, err := s.db.Exec(`INSERT INTO messages (sender, receiver, message, timestamp) VALUES (?, ?, ?, ?)`,
		sender, receiver, text, ts)
	if err != nil {
		// A message to an unknown user would be an orphan backlog row, which
		// the enforced ON DELETE CASCADE key on receiver cannot hold. It is
		// refused instead of stored.
		if isConstraintError(err) {
			return ErrUnknownRecipient
		}
		return fmt.Errorf("insert message: %w", err)
	}
	lablog.Debug(s.me, lablog.Store, "Queued message from %q to %q", sender, receiver)
	return nil
}

// RequestMessages removes and returns user's whole backlog, oldest first,
// one "[timestamp] sender: text" line per message.
func (s *Store) RequestMessages(user string) (string, error) {
	if user == "" {
		return "", nil
	}

	unlock := s.backlog.Lock(user)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT sender, message, timestamp FROM messages WHERE receiver = ? ORDER BY timestamp, id`, user)
	if err != nil {
		return "", fmt.Errorf("select messages: %w", err)
	}
	var result strings.Builder
	var n int
	for rows.Next() {
		var sender, text, ts string
		if err := rows.Scan(&sender, &text, &ts); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan message: %w", err)
		}
		fmt.Fprintf(&result, "[%s] %s: %s\n", ts, sender, text)
		n++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("select messages: %w", err)
	}

	if n > 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE receiver = ?`, user); err != nil {
			return "", fmt.Errorf("delete messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if n > 0 {
		lablog.Debug(s.me, lablog.Store, "Delivered %d messages to %q", n, user)
	}
	return result.String(), nil
}

// Snapshot returns a consistent copy of the database file.
func (s *Store) Snapshot(dir string) ([]byte, error) {
	f, err := os.CreateTemp(dir, "snapshot-*.db")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	f.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(path)
	defer os.Remove(path)

	if _, err := s.db.Exec(`VACUUM INTO ?`, filepath.Clean(path)); err != nil {
		return nil, fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return os.ReadFile(path)
}

func (s *Store) accountExists(name string) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE username = ?`, name).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup account: %w", err)
	}
	return count > 0, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended codes keep the primary code in the low byte.
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// keyedMutex is a set of mutexes created on demand per key.
type keyedMutex struct {
	mu    deadlock.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   deadlock.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns the function releasing it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
