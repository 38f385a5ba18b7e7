package store

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// EnrollWorker hashes password and upserts the worker's credential row,
// grounded on the user store's bcrypt enrollment pattern.
func (s *Store) EnrollWorker(ctx context.Context, name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return wrapf("hash worker password", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (name, password_hash, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		name, string(hash), time.Now().UTC())
	return wrapf("enroll worker", err)
}

// CheckWorkerCredentials verifies name/password against the enrolled
// worker table, per spec.md §6.1's HTTP Basic auth requirement. A
// nonexistent worker and a wrong password both return ok=false,
// indistinguishably, to avoid leaking which worker names are enrolled.
func (s *Store) CheckWorkerCredentials(ctx context.Context, name, password string) (ok bool, err error) {
	var hash string
	err = s.pool.QueryRow(ctx, `SELECT password_hash FROM workers WHERE name = $1`, name).Scan(&hash)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, wrapf("check worker credentials", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}
