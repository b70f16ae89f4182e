package bridge

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"
)

// archiveKeyInfo domain-separates the archive key from the envelope
// key, which is derived from the same master secret.
const archiveKeyInfo = "airbridge-history"

// Archive persists clip history to a local SQLite database. Rows are
// CBOR-encoded entries sealed with AES-256-GCM under a key derived
// from the master secret via HKDF-SHA256.
type Archive struct {
	mu   sync.Mutex
	db   *sql.DB
	aead cipher.AEAD
}

// OpenArchive opens (creating if needed) the archive database at
// path. The master secret must be non-empty; the archive never stores
// plaintext.
func OpenArchive(path, masterSecret string) (*Archive, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterKey
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(archiveKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive archive key: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS clip_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		sealed BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	return &Archive{db: db, aead: aead}, nil
}

// Append seals and stores one entry.
func (a *Archive) Append(e ClipEntry) error {
	plain, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	nonce := make([]byte, envelopeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := append(nonce, a.aead.Seal(nil, nonce, plain, nil)...)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.db.Exec("INSERT INTO clip_history (ts, sealed) VALUES (?, ?)", e.TS, sealed)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Recent loads and unseals the newest limit entries, oldest first.
// Rows that fail to unseal (wrong key, corruption) are skipped.
func (a *Archive) Recent(limit int) ([]ClipEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryMax
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rows, err := a.db.Query(
		"SELECT sealed FROM clip_history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []ClipEntry
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if len(sealed) < envelopeNonceSize+envelopeTagSize {
			continue
		}
		plain, err := a.aead.Open(nil, sealed[:envelopeNonceSize], sealed[envelopeNonceSize:], nil)
		if err != nil {
			continue
		}
		var e ClipEntry
		if err := cbor.Unmarshal(plain, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}
