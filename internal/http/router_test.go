package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pesaflow/internal/config"
	"pesaflow/internal/coordinator"
	"pesaflow/internal/daraja"
	"pesaflow/internal/domain/transaction"
	"pesaflow/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return &daraja.STKPushResponse{
		MerchantRequestID: fmt.Sprintf("mr-%d", n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (f *fakeProvider) QueryStatus(ctx context.Context, checkoutID string) (*daraja.StatusResult, error) {
	return &daraja.StatusResult{Pending: true}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Cfg{Sec: config.SecurityCfg{APIKey: "test-key"}}
	coord := coordinator.New(store.NewMemory(), &fakeProvider{}, nil,
		coordinator.Config{InitialBackoff: time.Millisecond})
	srv := httptest.NewServer(NewRouter(cfg, coord))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer test-key")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Body.Close() })
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestPaymentsRequireAPIKey(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, "POST", srv.URL+"/api/v1/payments", `{}`, false)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestCreateAndGetPayment(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, "POST", srv.URL+"/api/v1/payments",
		`{"reference":"job-post:42","phone":"0722000111","amount":100,"description":"Job posting fee"}`, true)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", res.StatusCode, body)
	}
	if body["state"] != string(transaction.StateAwaitingCallback) {
		t.Fatalf("state = %v", body["state"])
	}
	if body["phoneNumber"] != "254722000111" {
		t.Fatalf("phone = %v", body["phoneNumber"])
	}

	res, body = doJSON(t, "GET", srv.URL+"/api/v1/payments/job-post:42", "", true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if body["checkoutRequestId"] != "ws_CO_1" {
		t.Fatalf("checkout id = %v", body["checkoutRequestId"])
	}
}

func TestCreatePaymentValidationAndDuplicates(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, "POST", srv.URL+"/api/v1/payments",
		`{"reference":"r","phone":"12345","amount":100}`, true)
	if res.StatusCode != http.StatusBadRequest || body["error"] != transaction.ErrInvalidPhone {
		t.Fatalf("status = %d, body = %v", res.StatusCode, body)
	}

	payload := `{"reference":"contact-unlock:7","phone":"0722000111","amount":200}`
	if res, _ := doJSON(t, "POST", srv.URL+"/api/v1/payments", payload, true); res.StatusCode != http.StatusAccepted {
		t.Fatalf("first create status = %d", res.StatusCode)
	}
	res, body = doJSON(t, "POST", srv.URL+"/api/v1/payments", payload, true)
	if res.StatusCode != http.StatusConflict || body["error"] != transaction.ErrDuplicatePendingReference {
		t.Fatalf("status = %d, body = %v", res.StatusCode, body)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, "GET", srv.URL+"/api/v1/payments/nope", "", true)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestWebhookResolvesPaymentAndAlwaysAcks(t *testing.T) {
	srv := newTestServer(t)

	if res, _ := doJSON(t, "POST", srv.URL+"/api/v1/payments",
		`{"reference":"job-post:42","phone":"0722000111","amount":100}`, true); res.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d", res.StatusCode)
	}

	callback := `{"Body":{"stkCallback":{
		"MerchantRequestID":"mr-1","CheckoutRequestID":"ws_CO_1",
		"ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":100},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}
		]}}}}`
	res, body := doJSON(t, "POST", srv.URL+"/hooks/mpesa", callback, false)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", res.StatusCode)
	}
	if body["ResultCode"] != float64(0) || body["ResultDesc"] != "Accepted" {
		t.Fatalf("ack body = %v", body)
	}

	_, got := doJSON(t, "GET", srv.URL+"/api/v1/payments/job-post:42", "", true)
	if got["state"] != string(transaction.StateSucceeded) || got["receiptNumber"] != "NLJ7RT61SV" {
		t.Fatalf("payment = %v", got)
	}

	// Garbage payloads are acknowledged too; the provider must not retry.
	res, body = doJSON(t, "POST", srv.URL+"/hooks/mpesa", `not json at all`, false)
	if res.StatusCode != http.StatusOK || body["ResultDesc"] != "Accepted" {
		t.Fatalf("garbage ack: status = %d, body = %v", res.StatusCode, body)
	}
}

func TestCancelAfterSubmissionConflicts(t *testing.T) {
	srv := newTestServer(t)

	if res, _ := doJSON(t, "POST", srv.URL+"/api/v1/payments",
		`{"reference":"r","phone":"0722000111","amount":100}`, true); res.StatusCode != http.StatusAccepted {
		t.Fatal("create failed")
	}
	res, body := doJSON(t, "DELETE", srv.URL+"/api/v1/payments/r", "", true)
	if res.StatusCode != http.StatusConflict || body["error"] != transaction.ErrCancelNotAllowed {
		t.Fatalf("status = %d, body = %v", res.StatusCode, body)
	}
}

func TestListPayments(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"reference":"ref:%d","phone":"0722000111","amount":100}`, i)
		if res, _ := doJSON(t, "POST", srv.URL+"/api/v1/payments", payload, true); res.StatusCode != http.StatusAccepted {
			t.Fatal("create failed")
		}
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/payments?limit=2", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	// Newest first
	if list[0]["reference"] != "ref:2" {
		t.Fatalf("first = %v", list[0]["reference"])
	}
}
