package server

import (
	"errors"
	"fmt"
	"os"

	"github.com/sasha-s/go-deadlock"
)

// sqliteSideFiles are the journal files SQLite may keep next to a database.
var sqliteSideFiles = []string{"-journal", "-wal", "-shm"}

// Persister owns the on-disk database file of one replica.
type Persister struct {
	mu     deadlock.Mutex
	dbFile string
}

func MakePersister(dbFile string) *Persister {
	persister := new(Persister)
	persister.dbFile = dbFile
	return persister
}

// Path returns the database file path.
func (ps *Persister) Path() string {
	return ps.dbFile
}

// ModifiedTime returns the database file's last-modified time in Unix
// nanoseconds, or 0 if the file does not exist.
func (ps *Persister) ModifiedTime() (int64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	fileInfo, err := os.Stat(ps.dbFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return fileInfo.ModTime().UnixNano(), nil
}

// ReadDatabase returns the raw database file.
func (ps *Persister) ReadDatabase() ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return os.ReadFile(ps.dbFile)
}

// SaveDatabase replaces the database file with data. The file must not be
// open.
func (ps *Persister) SaveDatabase(data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	tempFile := fmt.Sprintf("%s-temp", ps.dbFile)
	// write to temp file and replace the existing file
	if err := os.WriteFile(tempFile, data, 0666); err != nil {
		return err
	}
	if err := os.Rename(tempFile, ps.dbFile); err != nil {
		os.Remove(tempFile)
		return err
	}
	// A journal left by the old file would be replayed into the new one.
	for _, suffix := range sqliteSideFiles {
		if err := os.Remove(ps.dbFile + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
