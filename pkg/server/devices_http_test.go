package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/deckhand-sh/deckhand/pkg/config"
	"github.com/deckhand-sh/deckhand/pkg/devauth"
)

// pairOverHTTP walks the full pairing handshake: register, start a verify
// that blocks on the operator, wait for it to show up in the device list,
// approve it, and return the delivered result.
func pairOverHTTP(t *testing.T, ts *httptest.Server) (devauth.Registration, devauth.VerifyResult) {
	t.Helper()

	resp := postJSON(t, ts.URL+"/api/devices/register", map[string]string{
		"name": "laptop", "class": "browser",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var reg devauth.Registration
	json.NewDecoder(resp.Body).Decode(&reg)
	resp.Body.Close()
	if reg.DeviceID == "" || len(reg.Code) != 6 {
		t.Fatalf("registration = %+v", reg)
	}

	results := make(chan devauth.VerifyResult, 1)
	go func() {
		verifyResp := postJSON(t, ts.URL+"/api/devices/verify", map[string]string{
			"deviceId": reg.DeviceID, "code": reg.Code,
		})
		var result devauth.VerifyResult
		json.NewDecoder(verifyResp.Body).Decode(&result)
		verifyResp.Body.Close()
		results <- result
	}()

	waitForAwaitingDecision(t, ts, reg.DeviceID)

	authResp := postJSON(t, ts.URL+"/api/devices/"+reg.DeviceID+"/authorize", map[string]any{
		"code": reg.Code, "approve": true,
	})
	if authResp.StatusCode != http.StatusOK {
		t.Fatalf("authorize status = %d", authResp.StatusCode)
	}
	authResp.Body.Close()

	select {
	case result := <-results:
		return reg, result
	case <-time.After(10 * time.Second):
		t.Fatal("verify never returned after approval")
		return reg, devauth.VerifyResult{}
	}
}

// waitForAwaitingDecision polls the device list until the given device
// reports a verify call blocked on it.
func waitForAwaitingDecision(t *testing.T, ts *httptest.Server, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/devices")
		if err != nil {
			t.Fatal(err)
		}
		var body struct {
			Devices []struct {
				ID               string `json:"id"`
				AwaitingDecision bool   `json:"awaitingDecision"`
			} `json:"devices"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		for _, d := range body.Devices {
			if d.ID == deviceID && d.AwaitingDecision {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("device never reached awaiting-decision")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDevicePairingOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, result := pairOverHTTP(t, ts)
	if result.Status != devauth.VerifyApproved || result.Token == "" {
		t.Fatalf("verify result = %+v", result)
	}

	// The issued token must authenticate API requests.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Errorf("authenticated list status = %d", listResp.StatusCode)
	}
}

func TestVerifyRejectedOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/devices/register", map[string]string{})
	var reg devauth.Registration
	json.NewDecoder(resp.Body).Decode(&reg)
	resp.Body.Close()

	results := make(chan devauth.VerifyResult, 1)
	go func() {
		verifyResp := postJSON(t, ts.URL+"/api/devices/verify", map[string]string{
			"deviceId": reg.DeviceID, "code": reg.Code,
		})
		var result devauth.VerifyResult
		json.NewDecoder(verifyResp.Body).Decode(&result)
		verifyResp.Body.Close()
		results <- result
	}()
	waitForAwaitingDecision(t, ts, reg.DeviceID)

	postJSON(t, ts.URL+"/api/devices/"+reg.DeviceID+"/authorize", map[string]any{
		"code": reg.Code, "approve": false,
	}).Body.Close()

	select {
	case result := <-results:
		if result.Status != devauth.VerifyRejected || result.Token != "" {
			t.Errorf("result = %+v, want rejected without token", result)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("verify never returned after rejection")
	}

	// The rejection consumed the code, so replaying it must be refused.
	replay := postJSON(t, ts.URL+"/api/devices/verify", map[string]string{
		"deviceId": reg.DeviceID, "code": reg.Code,
	})
	defer replay.Body.Close()
	if replay.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed verify status = %d, want 400", replay.StatusCode)
	}
}

func TestAuthRequiredWhenTokenEnforced(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.RequireToken = true
	})

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// Registration stays reachable pre-auth so pairing can bootstrap.
	regResp := postJSON(t, ts.URL+"/api/devices/register", map[string]string{})
	defer regResp.Body.Close()
	if regResp.StatusCode != http.StatusOK {
		t.Errorf("register status = %d, want 200", regResp.StatusCode)
	}
}

func TestRevokedDeviceLosesAccess(t *testing.T) {
	_, ts := newTestServer(t, nil)

	reg, result := pairOverHTTP(t, ts)
	if result.Token == "" {
		t.Fatal("pairing yielded no token")
	}

	revokeResp := postJSON(t, ts.URL+"/api/devices/"+reg.DeviceID+"/revoke", map[string]string{})
	revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", revokeResp.StatusCode)
	}

	// A revoked device's token presented explicitly must be refused even
	// though anonymous loopback access would pass.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	check, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer check.Body.Close()
	if check.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for revoked token", check.StatusCode)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.RequestsPerMinute = 1
	})

	first := postJSON(t, ts.URL+"/api/devices/register", map[string]string{})
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first register status = %d", first.StatusCode)
	}

	second := postJSON(t, ts.URL+"/api/devices/register", map[string]string{})
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second register status = %d, want 429", second.StatusCode)
	}
	header := second.Header.Get("Retry-After")
	if secs, err := strconv.Atoi(header); err != nil || secs < 1 {
		t.Errorf("Retry-After = %q, want positive seconds", header)
	}
	var body struct {
		Error             string `json:"error"`
		Code              string `json:"code"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	json.NewDecoder(second.Body).Decode(&body)
	if body.Code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", body.Code)
	}
	if body.RetryAfterSeconds < 1 {
		t.Errorf("retryAfterSeconds = %d, want >= 1", body.RetryAfterSeconds)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.RequestsPerMinute = 1
	})

	// The register call spends the single mutating slot in this window.
	postJSON(t, ts.URL+"/api/devices/register", map[string]string{}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/devices/verify", map[string]string{
		"deviceId": "dev-x", "code": "123456",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("verify status = %d, want 429", resp.StatusCode)
	}
}

func TestReadLimitIndependentOfMutatingWindow(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.ReadRequestsPerMinute = 1
	})

	first, err := http.Get(ts.URL + "/api/files")
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first list status = %d", first.StatusCode)
	}

	second, err := http.Get(ts.URL + "/api/files")
	if err != nil {
		t.Fatal(err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second list status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// The exhausted read window must not throttle mutating calls.
	reg := postJSON(t, ts.URL+"/api/devices/register", map[string]string{})
	defer reg.Body.Close()
	if reg.StatusCode != http.StatusOK {
		t.Errorf("register status = %d, want 200 on a separate window", reg.StatusCode)
	}
}
