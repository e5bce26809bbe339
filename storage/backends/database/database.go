package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"

	_ "github.com/mattn/go-sqlite3"
)

// Store keeps a whole stash inside a single SQLite database, one row
// per object. Useful when the destination must be a single file.
type Store struct {
	config storage.Configuration
	conn   *sql.DB
}

func init() {
	storage.Register("database", NewStore)
}

func NewStore() storage.Backend {
	return &Store{}
}

func trimLocation(location string) string {
	return strings.TrimPrefix(location, "sqlite://")
}

func (s *Store) connect(location string) error {
	conn, err := sql.Open("sqlite3", trimLocation(location))
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Store) Create(location string, config storage.Configuration) error {
	if err := s.connect(location); err != nil {
		return err
	}

	statement, err := s.conn.Prepare(`CREATE TABLE IF NOT EXISTS config (
		value	BLOB
	);`)
	if err != nil {
		return err
	}
	defer statement.Close()
	if _, err := statement.Exec(); err != nil {
		return err
	}

	statement, err = s.conn.Prepare(`CREATE TABLE IF NOT EXISTS objects (
		id	TEXT NOT NULL PRIMARY KEY,
		data	BLOB
	);`)
	if err != nil {
		return err
	}
	defer statement.Close()
	if _, err := statement.Exec(); err != nil {
		return err
	}

	serialized, err := config.Serialize()
	if err != nil {
		return err
	}
	statement, err = s.conn.Prepare(`INSERT INTO config (value) VALUES (?)`)
	if err != nil {
		return err
	}
	defer statement.Close()
	if _, err := statement.Exec(serialized); err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Open(location string) error {
	if err := s.connect(location); err != nil {
		return err
	}

	var serialized []byte
	err := s.conn.QueryRow(`SELECT value FROM config`).Scan(&serialized)
	if err != nil {
		return err
	}

	config, err := storage.NewConfigurationFromBytes(serialized)
	if err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Configuration() storage.Configuration {
	return s.config
}

func (s *Store) PutObject(oid objects.ObjectID, data []byte) error {
	statement, err := s.conn.Prepare(`INSERT OR REPLACE INTO objects (id, data) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer statement.Close()

	_, err = statement.Exec(oid.String(), data)
	return err
}

func (s *Store) GetObject(oid objects.ObjectID) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRow(`SELECT data FROM objects WHERE id = ?`, oid.String()).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("database: no such object %s", oid)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) ListObjects() ([]objects.ObjectID, error) {
	rows, err := s.conn.Query(`SELECT id FROM objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]objects.ObjectID, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		oid, err := objects.ParseObjectID(name)
		if err != nil {
			continue
		}
		ret = append(ret, oid)
	}
	return ret, rows.Err()
}

func (s *Store) Close() error {
	return s.conn.Close()
}
