// Package commerce reads the order system of record: orders joined with
// customer and product metadata, plus customer credential checks for login.
package commerce

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
)

// orderForUserQuery gates every lookup on both identifiers so a caller can
// never read another customer's order.
const orderForUserQuery = `
SELECT o.*, c.email AS customer_email, c.first_name, c.last_name,
       p.product_name, p.product_category, p.unit_price
FROM orders o
JOIN customers c ON o.customer_id = c.customer_id
JOIN products p ON o.product_id = p.product_id
WHERE o.order_id = $1 AND c.user_id = $2`

// Profile is the customer identity surfaced to login and session flows.
type Profile struct {
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

// Store provides read access to the commerce database.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *zap.Logger
}

// Open connects a lib/pq pool with the configured limits. The returned
// handle is shared between the commerce and archive stores.
func Open(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// NewStore creates a commerce store over an existing pool.
func NewStore(db *sqlx.DB, cfg config.PostgresConfig, logger *zap.Logger) *Store {
	timeout := cfg.QueryTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// OrderForUser returns the order row with customer and product metadata, or
// nil when the order does not exist or belongs to someone else.
func (s *Store) OrderForUser(ctx context.Context, userID string, orderID int) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryxContext(ctx, orderForUserQuery, orderID, userID)
	if err != nil {
		metrics.OrderLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			metrics.OrderLookups.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("order lookup: %w", err)
		}
		metrics.OrderLookups.WithLabelValues("miss").Inc()
		metrics.OrderLookupLatency.Observe(time.Since(start).Seconds())
		return nil, nil
	}

	row := map[string]interface{}{}
	if err := rows.MapScan(row); err != nil {
		metrics.OrderLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("order scan: %w", err)
	}
	// lib/pq returns []byte for text and numeric columns on untyped scans.
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	metrics.OrderLookups.WithLabelValues("hit").Inc()
	metrics.OrderLookupLatency.Observe(time.Since(start).Seconds())
	return row, nil
}

// CustomerProfile returns the customer identity for a user id, or nil when
// unknown.
func (s *Store) CustomerProfile(ctx context.Context, userID string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var p Profile
	err := s.db.GetContext(ctx, &p,
		"SELECT email, first_name, last_name FROM customers WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("customer profile: %w", err)
	}
	return &p, nil
}

type credentialRow struct {
	Email     string `db:"email"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Passcode  string `db:"passcode"`
}

// VerifyCredentials checks a customer's passcode. Stored values are bcrypt
// hashes; rows predating the hash migration hold plaintext and are compared
// in constant time. Returns (profile, true) on success and (nil, false) for
// unknown users or wrong passcodes.
func (s *Store) VerifyCredentials(ctx context.Context, userID, passcode string) (*Profile, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row credentialRow
	err := s.db.GetContext(ctx, &row,
		"SELECT email, first_name, last_name, passcode FROM customers WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("credential lookup: %w", err)
	}

	if !passcodeMatches(row.Passcode, passcode) {
		return nil, false, nil
	}
	return &Profile{Email: row.Email, FirstName: row.FirstName, LastName: row.LastName}, true, nil
}

func passcodeMatches(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
