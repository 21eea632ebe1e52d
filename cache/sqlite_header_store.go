package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHeaderStore is the default HeaderStore: a single-table sqlite3
// database mapping UIDL to the serialized header record, kept in a file
// alongside the account it caches.
type SQLiteHeaderStore struct {
	db *sql.DB
}

// OpenSQLiteHeaderStore opens (creating if necessary) the header cache
// file at path.
func OpenSQLiteHeaderStore(path string) (*SQLiteHeaderStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open header store: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS headers (
		uidl TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create header schema: %w", err)
	}

	return &SQLiteHeaderStore{db: db}, nil
}

func (s *SQLiteHeaderStore) Fetch(uidl string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM headers WHERE uidl = ?`, uidl).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: fetch %q: %w", uidl, err)
	}
	return data, true, nil
}

func (s *SQLiteHeaderStore) Store(uidl string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO headers (uidl, data) VALUES (?, ?)
		ON CONFLICT(uidl) DO UPDATE SET data = excluded.data`, uidl, data)
	if err != nil {
		return fmt.Errorf("cache: store %q: %w", uidl, err)
	}
	return nil
}

func (s *SQLiteHeaderStore) Delete(uidl string) error {
	_, err := s.db.Exec(`DELETE FROM headers WHERE uidl = ?`, uidl)
	if err != nil {
		return fmt.Errorf("cache: delete %q: %w", uidl, err)
	}
	return nil
}

// List iterates every UIDL currently stored. It is not part of the
// HeaderStore interface; the orphan sweep covers the body cache only.
func (s *SQLiteHeaderStore) List(visit func(uidl string) error) error {
	rows, err := s.db.Query(`SELECT uidl FROM headers`)
	if err != nil {
		return fmt.Errorf("cache: list headers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uidl string
		if err := rows.Scan(&uidl); err != nil {
			return err
		}
		if err := visit(uidl); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteHeaderStore) Close() error {
	return s.db.Close()
}
