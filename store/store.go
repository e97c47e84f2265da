// Package store keeps facegate accounts and enrolled face images in sqlite.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path (":memory:" works) and runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One connection: sqlite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS faces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			digest TEXT NOT NULL,
			image BLOB NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, digest)
		);
		CREATE INDEX IF NOT EXISTS idx_faces_digest ON faces(digest);
	`)
	return err
}

// User: username, password hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// FaceDigest is the key a face image is matched by.
func FaceDigest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// CreateUser inserts user; err if username exists.
func (db *DB) CreateUser(username, passwordHash string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := db.Exec("INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)", username, passwordHash, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EnsureUser creates username with password unless it already exists. An
// existing account keeps its current password. Reports whether it was created.
func (db *DB) EnsureUser(username, password string) (bool, error) {
	u, err := db.UserByName(username)
	if err != nil {
		return false, err
	}
	if u != nil {
		return false, nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	if _, err := db.CreateUser(username, hash); err != nil {
		return false, err
	}
	return true, nil
}

// UserByName returns user by username or nil.
func (db *DB) UserByName(username string) (*User, error) {
	var u User
	var t string
	err := db.QueryRow("SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username).Scan(&u.ID, &u.Username, &u.PasswordHash, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, t)
	return &u, nil
}

// Authenticate returns the user when password matches, nil otherwise.
func (db *DB) Authenticate(username, password string) (*User, error) {
	u, err := db.UserByName(username)
	if err != nil || u == nil {
		return nil, err
	}
	if !CheckPassword(password, u.PasswordHash) {
		return nil, nil
	}
	return u, nil
}

// UpdateUserPassword sets password hash for user.
func (db *DB) UpdateUserPassword(userID int64, passwordHash string) error {
	_, err := db.Exec("UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, userID)
	return err
}

// AddFace enrolls image for user. Enrolling the same image twice is a no-op.
func (db *DB) AddFace(userID int64, image []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec("INSERT OR IGNORE INTO faces (user_id, digest, image, created_at) VALUES (?, ?, ?, ?)",
		userID, FaceDigest(image), image, now)
	return err
}

// UserByFace returns the owner of an enrolled image identical to image, or nil.
func (db *DB) UserByFace(image []byte) (*User, error) {
	var u User
	var t string
	err := db.QueryRow(`
		SELECT u.id, u.username, u.password_hash, u.created_at
		FROM faces f JOIN users u ON u.id = f.user_id
		WHERE f.digest = ?
		ORDER BY f.id LIMIT 1`, FaceDigest(image)).Scan(&u.ID, &u.Username, &u.PasswordHash, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, t)
	return &u, nil
}

// Counts returns the number of users and enrolled faces.
func (db *DB) Counts() (users, faces int64, err error) {
	err = db.QueryRow("SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM faces)").Scan(&users, &faces)
	return users, faces, err
}
