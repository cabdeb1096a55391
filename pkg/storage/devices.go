package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Device statuses. A device starts pending and moves to exactly one of the
// other states; expired, revoked, and rejected records never become usable
// again. Every transition out of pending consumes the pairing code by
// clearing its stored digest.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusRejected = "rejected"
	DeviceStatusRevoked  = "revoked"
	DeviceStatusExpired  = "expired"
)

// Device is one registered client of the backend. The pairing code and the
// issued token are stored only as digests.
type Device struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Class         string     `json:"class"`
	CodeHash      string     `json:"-"`
	Status        string     `json:"status"`
	TokenID       string     `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastActiveAt  *time.Time `json:"lastActiveAt,omitempty"`
	CodeExpiresAt time.Time  `json:"-"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// MatchesCode reports whether the plaintext pairing code matches this record.
func (d *Device) MatchesCode(code string) bool {
	if d == nil {
		return false
	}
	return d.CodeHash == hashSecret(code)
}

// CreateDevice inserts a pending registration. The pairing code is hashed
// before it touches disk.
func (s *Store) CreateDevice(name, class, code string, codeExpires time.Time) (*Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "device-" + strings.ToLower(ulid.Make().String())
	}
	class = strings.TrimSpace(class)
	if class == "" {
		class = "browser"
	}

	now := time.Now().UTC()
	device := &Device{
		ID:            strings.ToLower(ulid.Make().String()),
		Name:          name,
		Class:         class,
		CodeHash:      hashSecret(code),
		Status:        DeviceStatusPending,
		CreatedAt:     now,
		CodeExpiresAt: codeExpires.UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO devices (id, name, class, code_hash, status, created_at, code_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, device.ID, device.Name, device.Class, device.CodeHash, device.Status, device.CreatedAt, device.CodeExpiresAt)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDevice returns the device with the given id, or nil when absent.
func (s *Store) GetDevice(id string) (*Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.scanDevice(s.db.QueryRow(deviceSelect+` WHERE id = ?`, id))
}

// GetDeviceByTokenID returns the device bound to tokenID, or nil.
func (s *Store) GetDeviceByTokenID(tokenID string) (*Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if strings.TrimSpace(tokenID) == "" {
		return nil, nil
	}
	return s.scanDevice(s.db.QueryRow(deviceSelect+` WHERE token_id = ?`, tokenID))
}

// ApproveDevice consumes the pairing code and binds a token, atomically.
// The conditional update makes the code single-use: only a pending device
// whose code digest matches and has not expired transitions to approved,
// and the digest is cleared so the code can never be honored again.
func (s *Store) ApproveDevice(id, code, tokenID string, tokenExpires time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	res, err := s.db.Exec(`
		UPDATE devices
		SET status = ?, code_hash = '', token_id = ?, expires_at = ?, last_active_at = ?
		WHERE id = ? AND status = ? AND code_hash = ? AND code_expires_at > ?
	`, DeviceStatusApproved, tokenID, tokenExpires.UTC(), time.Now().UTC(),
		id, DeviceStatusPending, hashSecret(code), time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RejectDevice marks a pending registration rejected and consumes its code.
// Returns false when the device was not pending.
func (s *Store) RejectDevice(id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	res, err := s.db.Exec(`
		UPDATE devices SET status = ?, code_hash = '' WHERE id = ? AND status = ?
	`, DeviceStatusRejected, id, DeviceStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpireRegistration marks a pending registration expired and consumes its
// code. Returns false when the device already left the pending state, which
// means a decision won the race against the verification timeout.
func (s *Store) ExpireRegistration(id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	res, err := s.db.Exec(`
		UPDATE devices SET status = ?, code_hash = '' WHERE id = ? AND status = ?
	`, DeviceStatusExpired, id, DeviceStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RevokeDevice invalidates an approved device. A revoked device's token
// fails validation from this point on.
func (s *Store) RevokeDevice(id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	res, err := s.db.Exec(`
		UPDATE devices SET status = ?, token_id = '' WHERE id = ? AND status = ?
	`, DeviceStatusRevoked, id, DeviceStatusApproved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TouchDevice refreshes last_active_at. The update is conditional on the
// approved status so a concurrent revoke always wins.
func (s *Store) TouchDevice(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		UPDATE devices SET last_active_at = ? WHERE id = ? AND status = ?
	`, time.Now().UTC(), id, DeviceStatusApproved)
	return err
}

// ListDevices returns all devices, newest first.
func (s *Store) ListDevices() ([]*Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(deviceSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ExpireStaleRegistrations deletes registrations that never got approved:
// pending devices whose pairing code lapsed, and expired records once their
// code window has passed. Returns the number of rows removed.
func (s *Store) ExpireStaleRegistrations() (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.db.Exec(`
		DELETE FROM devices WHERE status IN (?, ?) AND code_expires_at <= ?
	`, DeviceStatusPending, DeviceStatusExpired, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deviceSelect = `
	SELECT id, name, class, code_hash, status, token_id, created_at, last_active_at, code_expires_at, expires_at
	FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var tokenID sql.NullString
	var lastActive, expires sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Class, &d.CodeHash, &d.Status, &tokenID,
		&d.CreatedAt, &lastActive, &d.CodeExpiresAt, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if tokenID.Valid {
		d.TokenID = tokenID.String
	}
	if lastActive.Valid {
		t := lastActive.Time
		d.LastActiveAt = &t
	}
	if expires.Valid {
		t := expires.Time
		d.ExpiresAt = &t
	}
	return &d, nil
}
