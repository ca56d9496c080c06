package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"xmrmarket/core/events"
	"xmrmarket/native/order"
)

// SQLiteStore persists orders, session outcomes, and the ceremony audit
// trail. Round artifacts themselves are never persisted or logged; only
// session-level outcomes and event metadata are.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            buyer_id TEXT NOT NULL,
            vendor_id TEXT NOT NULL,
            arbiter_id TEXT NOT NULL,
            session_id TEXT,
            total_atomic INTEGER NOT NULL,
            escrow_address TEXT,
            payout_address TEXT,
            shipping_address BLOB,
            status TEXT NOT NULL,
            disputed_by TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            order_id TEXT NOT NULL,
            status TEXT NOT NULL,
            fail_reason TEXT,
            address TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            attributes TEXT NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// OrderPut satisfies the order engine's state interface.
func (s *SQLiteStore) OrderPut(ord *order.Order) error {
	if ord == nil {
		return errors.New("storage: nil order")
	}
	_, err := s.db.Exec(
		`INSERT INTO orders (id, buyer_id, vendor_id, arbiter_id, session_id, total_atomic,
            escrow_address, payout_address, shipping_address, status, disputed_by, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            session_id=excluded.session_id,
            escrow_address=excluded.escrow_address,
            payout_address=excluded.payout_address,
            shipping_address=excluded.shipping_address,
            status=excluded.status,
            disputed_by=excluded.disputed_by,
            updated_at=excluded.updated_at`,
		ord.ID, ord.BuyerID, ord.VendorID, ord.ArbiterID, ord.SessionID, ord.TotalAtomic,
		ord.EscrowAddress, ord.PayoutAddress, ord.ShippingAddress, ord.Status.String(),
		ord.DisputedBy, ord.CreatedAt, ord.UpdatedAt,
	)
	return err
}

// OrderGet satisfies the order engine's state interface.
func (s *SQLiteStore) OrderGet(id string) (*order.Order, bool) {
	row := s.db.QueryRow(
		`SELECT id, buyer_id, vendor_id, arbiter_id, session_id, total_atomic,
            escrow_address, payout_address, shipping_address, status, disputed_by, created_at, updated_at
         FROM orders WHERE id = ?`, id)

	var (
		ord       order.Order
		sessionID sql.NullString
		escrow    sql.NullString
		payout    sql.NullString
		disputed  sql.NullString
		status    string
	)
	err := row.Scan(&ord.ID, &ord.BuyerID, &ord.VendorID, &ord.ArbiterID, &sessionID,
		&ord.TotalAtomic, &escrow, &payout, &ord.ShippingAddress, &status, &disputed,
		&ord.CreatedAt, &ord.UpdatedAt)
	if err != nil {
		return nil, false
	}
	parsed, err := order.ParseStatus(status)
	if err != nil {
		return nil, false
	}
	ord.Status = parsed
	ord.SessionID = sessionID.String
	ord.EscrowAddress = escrow.String
	ord.PayoutAddress = payout.String
	ord.DisputedBy = disputed.String
	return &ord, true
}

// SessionUpsert records the coordinator's view of one ceremony.
func (s *SQLiteStore) SessionUpsert(sessionID, orderID, status, failReason, address string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, order_id, status, fail_reason, address, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            status=excluded.status,
            fail_reason=excluded.fail_reason,
            address=excluded.address,
            updated_at=excluded.updated_at`,
		sessionID, orderID, status, failReason, address, now, now,
	)
	return err
}

// SessionGet returns the persisted session snapshot.
func (s *SQLiteStore) SessionGet(sessionID string) (orderID, status, failReason, address string, ok bool) {
	row := s.db.QueryRow(`SELECT order_id, status, fail_reason, address FROM sessions WHERE id = ?`, sessionID)
	var reason, addr sql.NullString
	if err := row.Scan(&orderID, &status, &reason, &addr); err != nil {
		return "", "", "", "", false
	}
	return orderID, status, reason.String, addr.String, true
}

// AppendEvent writes one engine or ceremony event to the audit trail.
func (s *SQLiteStore) AppendEvent(evt events.Event) error {
	if evt == nil {
		return nil
	}
	attrs := "{}"
	if rec, ok := evt.(*events.Record); ok && rec.Attributes != nil {
		raw, err := json.Marshal(rec.Attributes)
		if err != nil {
			return err
		}
		attrs = string(raw)
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (occurred_at, event_type, attributes) VALUES (?, ?, ?)`,
		time.Now().Unix(), evt.EventType(), attrs,
	)
	return err
}
