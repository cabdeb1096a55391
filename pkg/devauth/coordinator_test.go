package devauth

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
	"github.com/deckhand-sh/deckhand/pkg/storage"
)

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "devauth.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewCoordinator(store, "test-signing-secret", opts...)
}

func waitForWaiter(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.slots.waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("verify never registered a waiter")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pairDevice drives the happy pairing flow: verify blocks, the operator
// approves, and the token delivered to the verify call is returned.
func pairDevice(t *testing.T, c *Coordinator, reg *Registration) string {
	t.Helper()
	type outcome struct {
		result *VerifyResult
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		r, err := c.Verify(context.Background(), reg.DeviceID, reg.Code)
		results <- outcome{r, err}
	}()
	waitForWaiter(t, c)

	if _, err := c.Authorize(reg.DeviceID, reg.Code, true); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	select {
	case out := <-results:
		if out.err != nil {
			t.Fatalf("Verify() error = %v", out.err)
		}
		if out.result.Status != VerifyApproved || out.result.Token == "" {
			t.Fatalf("result = %+v, want approved with token", out.result)
		}
		return out.result.Token
	case <-time.After(5 * time.Second):
		t.Fatal("verify did not return after approval")
	}
	return ""
}

func TestRegisterIssuesSixDigitCode(t *testing.T) {
	c := newTestCoordinator(t)
	reg, err := c.Register("laptop", "browser")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(reg.Code) {
		t.Errorf("code = %q, want six digits", reg.Code)
	}
	if reg.DeviceID == "" {
		t.Error("expected device id")
	}
	if !reg.ExpiresAt.After(time.Now()) {
		t.Error("code expiry must be in the future")
	}
}

func TestVerifyThenApprove(t *testing.T) {
	c := newTestCoordinator(t)
	reg, err := c.Register("laptop", "browser")
	if err != nil {
		t.Fatal(err)
	}

	token := pairDevice(t, c, reg)

	device, err := c.ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if device.ID != reg.DeviceID {
		t.Errorf("token bound to %q, want %q", device.ID, reg.DeviceID)
	}
}

func TestApproveWithoutWaiterIsNoOp(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")

	// No verify call is in flight: the decision has nobody to reach, so
	// nothing may change and no token may be minted.
	device, err := c.Authorize(reg.DeviceID, reg.Code, true)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if device.Status != storage.DeviceStatusPending {
		t.Errorf("status = %q, want pending", device.Status)
	}
	if device.TokenID != "" {
		t.Error("no-op approval must not mint a token")
	}

	// The code was not consumed; the full flow still works afterwards.
	pairDevice(t, c, reg)
}

func TestVerifyRejected(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")

	type outcome struct {
		result *VerifyResult
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		r, err := c.Verify(context.Background(), reg.DeviceID, reg.Code)
		results <- outcome{r, err}
	}()
	waitForWaiter(t, c)

	if _, err := c.Authorize(reg.DeviceID, reg.Code, false); err != nil {
		t.Fatalf("Authorize(reject) error = %v", err)
	}

	select {
	case out := <-results:
		if out.err != nil {
			t.Fatalf("Verify() error = %v", out.err)
		}
		if out.result.Status != VerifyRejected || out.result.Token != "" {
			t.Errorf("result = %+v, want rejected without token", out.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("verify did not return after rejection")
	}

	// Rejection consumed the code.
	if _, err := c.Verify(context.Background(), reg.DeviceID, reg.Code); !apperrors.IsCode(err, apperrors.ErrCodeInvalidCode) {
		t.Errorf("replayed code error = %v, want INVALID_CODE", err)
	}
}

func TestVerifyTimeoutConsumesCode(t *testing.T) {
	c := newTestCoordinator(t, WithVerifyTimeout(100*time.Millisecond))
	reg, _ := c.Register("laptop", "browser")

	result, err := c.Verify(context.Background(), reg.DeviceID, reg.Code)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Status != VerifyTimeout {
		t.Errorf("status = %q, want timeout", result.Status)
	}
	if c.slots.waiters() != 0 {
		t.Error("timed-out waiter left its slot behind")
	}

	// The registration moved out of pending and the code is dead.
	device, err := c.store.GetDevice(reg.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != storage.DeviceStatusExpired {
		t.Errorf("status = %q, want expired", device.Status)
	}

	// A late approval must not resurrect the registration or mint a token.
	if _, err := c.Authorize(reg.DeviceID, reg.Code, true); !apperrors.IsCode(err, apperrors.ErrCodeExpired) {
		t.Errorf("post-timeout Authorize error = %v, want EXPIRED", err)
	}
	device, _ = c.store.GetDevice(reg.DeviceID)
	if device.Status != storage.DeviceStatusExpired || device.TokenID != "" {
		t.Errorf("device after late approval = %+v, want expired without token", device)
	}

	// A second verify with the same code fails with InvalidCode.
	if _, err := c.Verify(context.Background(), reg.DeviceID, reg.Code); !apperrors.IsCode(err, apperrors.ErrCodeInvalidCode) {
		t.Errorf("replayed code error = %v, want INVALID_CODE", err)
	}
}

func TestVerifiedCodeIsSingleUse(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")
	pairDevice(t, c, reg)

	_, err := c.Verify(context.Background(), reg.DeviceID, reg.Code)
	if !apperrors.IsCode(err, apperrors.ErrCodeInvalidCode) {
		t.Errorf("replayed code error = %v, want INVALID_CODE", err)
	}
}

func TestVerifyWrongCode(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")

	_, err := c.Verify(context.Background(), reg.DeviceID, "000000x")
	if !apperrors.IsCode(err, apperrors.ErrCodeInvalidCode) {
		t.Errorf("error = %v, want INVALID_CODE", err)
	}
}

func TestVerifyUnknownDevice(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Verify(context.Background(), "missing", "123456")
	if !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestVerifyConcurrentConflict(t *testing.T) {
	c := newTestCoordinator(t, WithVerifyTimeout(2*time.Second))
	reg, _ := c.Register("laptop", "browser")

	go c.Verify(context.Background(), reg.DeviceID, reg.Code)
	waitForWaiter(t, c)

	_, err := c.Verify(context.Background(), reg.DeviceID, reg.Code)
	if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
		t.Errorf("second verify error = %v, want CONFLICT", err)
	}
	c.Authorize(reg.DeviceID, reg.Code, false)
}

func TestAuthorizeIsIdempotentOnApprove(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")
	pairDevice(t, c, reg)

	first, err := c.store.GetDevice(reg.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Authorize(reg.DeviceID, reg.Code, true)
	if err != nil {
		t.Fatalf("repeated approval error = %v", err)
	}
	if first.TokenID != second.TokenID {
		t.Error("repeated approval must not mint a new token")
	}
}

func TestAuthorizeWrongCode(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")

	_, err := c.Authorize(reg.DeviceID, "999999x", true)
	if !apperrors.IsCode(err, apperrors.ErrCodeInvalidCode) {
		t.Errorf("error = %v, want INVALID_CODE", err)
	}
}

func TestRevokedTokenFailsValidation(t *testing.T) {
	c := newTestCoordinator(t)
	reg, _ := c.Register("laptop", "browser")
	token := pairDevice(t, c, reg)

	if err := c.Revoke(reg.DeviceID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := c.ValidateToken(token); !apperrors.IsCode(err, apperrors.ErrCodeUnauthorized) {
		t.Errorf("revoked token error = %v, want UNAUTHORIZED", err)
	}
}

func TestExpireStaleSweepsLapsedCodes(t *testing.T) {
	c := newTestCoordinator(t, WithCodeTTL(time.Nanosecond))
	c.Register("stale", "browser")
	time.Sleep(10 * time.Millisecond)

	n, err := c.ExpireStale()
	if err != nil {
		t.Fatalf("ExpireStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
}
