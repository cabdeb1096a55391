package devauth

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
	"github.com/deckhand-sh/deckhand/pkg/storage"
)

// Defaults for the pairing flow. Config can override all three.
const (
	DefaultCodeTTL       = 10 * time.Minute
	DefaultTokenTTL      = 30 * 24 * time.Hour
	DefaultVerifyTimeout = 2 * time.Minute
)

// Registration is returned to a device that just registered. Code is shown
// to the user once and never stored in plaintext.
type Registration struct {
	DeviceID  string    `json:"deviceId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Verify outcomes.
const (
	VerifyApproved = "approved"
	VerifyRejected = "rejected"
	VerifyTimeout  = "timeout"
)

// VerifyResult is the outcome of one blocking verify call.
type VerifyResult struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// Coordinator runs the device pairing flow against the store.
type Coordinator struct {
	store         *storage.Store
	tokens        *TokenManager
	slots         *slotTable
	codeTTL       time.Duration
	tokenTTL      time.Duration
	verifyTimeout time.Duration
	logger        *log.Logger
}

// Option adjusts coordinator behavior.
type Option func(*Coordinator)

// WithCodeTTL overrides how long a pairing code stays valid.
func WithCodeTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.codeTTL = d
		}
	}
}

// WithTokenTTL overrides the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.tokenTTL = d
		}
	}
}

// WithVerifyTimeout overrides how long a verify call blocks before giving up.
func WithVerifyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.verifyTimeout = d
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a coordinator over the given store and signing secret.
func NewCoordinator(store *storage.Store, secretKey string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		tokens:        NewTokenManager(secretKey),
		slots:         newSlotTable(),
		codeTTL:       DefaultCodeTTL,
		tokenTTL:      DefaultTokenTTL,
		verifyTimeout: DefaultVerifyTimeout,
		logger:        log.New(logDiscard{}, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

// Register creates a pending device and returns its pairing code.
func (c *Coordinator) Register(name, class string) (*Registration, error) {
	code, err := generatePairingCode()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate pairing code")
	}
	expires := time.Now().Add(c.codeTTL)
	device, err := c.store.CreateDevice(name, class, code, expires)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to persist registration")
	}
	c.logger.Printf("device %s registered (%s)", device.ID, device.Class)
	return &Registration{DeviceID: device.ID, Code: code, ExpiresAt: expires}, nil
}

// Verify blocks until the operator approves or rejects the device, the
// verify timeout lapses, or ctx is cancelled. The caller proves possession
// of the pairing code before a slot is opened. One verify attempt consumes
// the code: an attempt that ends without approval moves the registration to
// expired, and a later verify with the same code fails with InvalidCode.
func (c *Coordinator) Verify(ctx context.Context, deviceID, code string) (*VerifyResult, error) {
	device, err := c.store.GetDevice(deviceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load device")
	}
	if device == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "unknown device")
	}

	// Consumption clears the stored digest, so a replayed code fails here
	// regardless of which state the record ended up in.
	if !device.MatchesCode(code) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCode, "pairing code does not match")
	}
	if time.Now().After(device.CodeExpiresAt) {
		return nil, apperrors.New(apperrors.ErrCodeExpired, "pairing code expired")
	}

	ch, ok := c.slots.await(deviceID)
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "verification already in progress")
	}

	// A rejection may have landed between the load and the slot registration.
	if cur, err := c.store.GetDevice(deviceID); err == nil && (cur == nil || cur.Status == storage.DeviceStatusRejected) {
		c.slots.abandon(deviceID)
		return &VerifyResult{Status: VerifyRejected}, nil
	}

	timer := time.NewTimer(c.verifyTimeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		if decision.Approved {
			return &VerifyResult{Status: VerifyApproved, Token: decision.Token}, nil
		}
		return &VerifyResult{Status: VerifyRejected}, nil
	case <-timer.C:
		return c.finishTimedOut(deviceID, ch)
	case <-ctx.Done():
		c.slots.abandon(deviceID)
		if _, err := c.store.ExpireRegistration(deviceID); err != nil {
			c.logger.Printf("failed to expire registration for %s: %v", deviceID, err)
		}
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCancelled, "verification cancelled")
	}
}

// finishTimedOut consumes the code by moving the registration to expired.
// When the record already left pending, a decision beat the timer at the
// store; wait briefly for it to reach the slot instead of reporting a
// timeout that never happened.
func (c *Coordinator) finishTimedOut(deviceID string, ch <-chan Decision) (*VerifyResult, error) {
	moved, err := c.store.ExpireRegistration(deviceID)
	if err == nil && !moved {
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case decision := <-ch:
			if decision.Approved {
				return &VerifyResult{Status: VerifyApproved, Token: decision.Token}, nil
			}
			return &VerifyResult{Status: VerifyRejected}, nil
		case <-grace.C:
		}
	}
	c.slots.abandon(deviceID)
	c.logger.Printf("verification for %s timed out", deviceID)
	return &VerifyResult{Status: VerifyTimeout}, nil
}

// AwaitingDecision reports whether a verify call is currently blocked
// waiting for the operator's decision on deviceID.
func (c *Coordinator) AwaitingDecision(deviceID string) bool {
	return c.slots.waiting(deviceID)
}

// Authorize records the operator's decision for a device whose verify call
// is waiting. Approving an already-approved device is a no-op success, so a
// double-submit does not surface as an error. Approving a device with no
// verify call in flight is also a no-op: the token must be delivered
// through the blocked verify response, so there is nobody to hand it to.
// An expired verification cannot be approved at all.
func (c *Coordinator) Authorize(deviceID, code string, approve bool) (*storage.Device, error) {
	device, err := c.store.GetDevice(deviceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load device")
	}
	if device == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "unknown device")
	}

	if !approve {
		ok, err := c.store.RejectDevice(deviceID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to reject device")
		}
		if !ok && device.Status != storage.DeviceStatusRejected {
			return nil, apperrors.New(apperrors.ErrCodeConflict, "device is not pending")
		}
		c.slots.resolve(deviceID, Decision{Approved: false})
		c.logger.Printf("device %s rejected", deviceID)
		return c.store.GetDevice(deviceID)
	}

	if device.Status == storage.DeviceStatusApproved {
		return device, nil
	}
	if device.Status == storage.DeviceStatusExpired {
		return nil, apperrors.New(apperrors.ErrCodeExpired, "verification window elapsed")
	}
	if !device.MatchesCode(code) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCode, "pairing code does not match")
	}
	if time.Now().After(device.CodeExpiresAt) {
		return nil, apperrors.New(apperrors.ErrCodeExpired, "pairing code expired")
	}
	if !c.slots.waiting(deviceID) {
		c.logger.Printf("approval for %s ignored: no verification in progress", deviceID)
		return device, nil
	}

	token, tokenID, err := c.tokens.Generate(deviceID, c.tokenTTL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to issue token")
	}
	ok, err := c.store.ApproveDevice(deviceID, code, tokenID, time.Now().Add(c.tokenTTL))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to approve device")
	}
	if !ok {
		// The conditional update failed: the record left the pending state
		// since we loaded it, or the code lapsed under us.
		if cur, cerr := c.store.GetDevice(deviceID); cerr == nil && cur != nil {
			switch {
			case cur.Status == storage.DeviceStatusExpired:
				return nil, apperrors.New(apperrors.ErrCodeExpired, "verification window elapsed")
			case cur.Status != storage.DeviceStatusPending:
				return nil, apperrors.New(apperrors.ErrCodeConflict, "device is not pending")
			case time.Now().After(cur.CodeExpiresAt):
				return nil, apperrors.New(apperrors.ErrCodeExpired, "pairing code expired")
			}
		}
		return nil, apperrors.New(apperrors.ErrCodeInvalidCode, "pairing code does not match")
	}

	if !c.slots.resolve(deviceID, Decision{Approved: true, Token: token}) {
		c.logger.Printf("approval for %s had no live receiver", deviceID)
	}
	c.logger.Printf("device %s approved", deviceID)
	return c.store.GetDevice(deviceID)
}

// ValidateToken authenticates a bearer token and returns its device. It
// cross-checks the store so revocation takes effect immediately, and
// refreshes the device's activity timestamp.
func (c *Coordinator) ValidateToken(tokenString string) (*storage.Device, error) {
	claims, err := c.tokens.Validate(tokenString)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid token")
	}
	device, err := c.store.GetDeviceByTokenID(claims.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load device")
	}
	if device == nil || device.Status != storage.DeviceStatusApproved {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "token is not bound to an approved device")
	}
	if device.ExpiresAt != nil && time.Now().After(*device.ExpiresAt) {
		return nil, apperrors.New(apperrors.ErrCodeExpired, "device access expired")
	}
	if err := c.store.TouchDevice(device.ID); err != nil {
		c.logger.Printf("failed to record device activity for %s: %v", device.ID, err)
	}
	return device, nil
}

// Revoke invalidates an approved device's token.
func (c *Coordinator) Revoke(deviceID string) error {
	ok, err := c.store.RevokeDevice(deviceID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to revoke device")
	}
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "no approved device to revoke")
	}
	c.logger.Printf("device %s revoked", deviceID)
	return nil
}

// List returns all known devices.
func (c *Coordinator) List() ([]*storage.Device, error) {
	devices, err := c.store.ListDevices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to list devices")
	}
	return devices, nil
}

// ExpireStale removes pending registrations whose codes lapsed.
func (c *Coordinator) ExpireStale() (int64, error) {
	n, err := c.store.ExpireStaleRegistrations()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to expire registrations")
	}
	if n > 0 {
		c.logger.Printf("expired %d stale registrations", n)
	}
	return n, nil
}

// StartJanitor expires stale registrations every period until ctx ends.
func (c *Coordinator) StartJanitor(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.ExpireStale(); err != nil {
					c.logger.Printf("registration sweep failed: %v", err)
				}
			}
		}
	}()
}

// generatePairingCode returns a six digit zero-padded code.
func generatePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
