package daraja

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"pesaflow/internal/domain/transaction"
)

func testServer(t *testing.T, push, query http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "ck" || p != "cs" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		tokenFetches.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
	})
	if push != nil {
		mux.HandleFunc("/mpesa/stkpush/v1/processrequest", push)
	}
	if query != nil {
		mux.HandleFunc("/mpesa/stkpushquery/v1/query", query)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenFetches
}

func testClient(srv *httptest.Server) *Client {
	return New(Config{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Passkey:        "passkey",
		Shortcode:      "174379",
		Environment:    "sandbox",
		CallbackURL:    "https://example.com/hooks/mpesa",
		BaseURL:        srv.URL,
	})
}

func TestAccessTokenCachedAndSingleFlight(t *testing.T) {
	srv, fetches := testServer(t, nil, nil)
	c := testClient(srv)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.AccessToken(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			if tok != "tok-1" {
				t.Errorf("token = %q", tok)
			}
		}()
	}
	wg.Wait()

	// Cached token valid well past the refresh window: no further fetch.
	if _, err := c.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("token fetches = %d, want 1", n)
	}
}

func TestAccessTokenAuthFailure(t *testing.T) {
	srv, _ := testServer(t, nil, nil)
	c := testClient(srv)
	c.cfg.ConsumerSecret = "wrong"

	_, err := c.AccessToken(context.Background())
	if transaction.CodeOf(err) != transaction.ErrAuthFailed {
		t.Fatalf("code = %q, err = %v", transaction.CodeOf(err), err)
	}
}

func TestSTKPushAccepted(t *testing.T) {
	srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["TransactionType"] != "CustomerPayBillOnline" {
			t.Errorf("TransactionType = %v", body["TransactionType"])
		}
		if body["PhoneNumber"] != "254712345678" {
			t.Errorf("PhoneNumber = %v", body["PhoneNumber"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_1",
			"ResponseCode":      "0",
			"CustomerMessage":   "Success. Request accepted for processing",
		})
	}, nil)
	c := testClient(srv)

	out, err := c.STKPush(context.Background(), STKPushRequest{
		Phone: "254712345678", Amount: 100, AccountReference: "job-post:42", Description: "Job posting fee",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.CheckoutRequestID != "ws_CO_1" || out.MerchantRequestID != "mr-1" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestSTKPushProviderRejection(t *testing.T) {
	srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient permissions",
		})
	}, nil)
	c := testClient(srv)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 100, AccountReference: "r"})
	if transaction.CodeOf(err) != transaction.ErrProviderRejected {
		t.Fatalf("code = %q, err = %v", transaction.CodeOf(err), err)
	}
}

func TestSTKPushErrorBody(t *testing.T) {
	srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid Amount",
		})
	}, nil)
	c := testClient(srv)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 100, AccountReference: "r"})
	if transaction.CodeOf(err) != transaction.ErrProviderRejected {
		t.Fatalf("code = %q, err = %v", transaction.CodeOf(err), err)
	}
}

func TestSTKPushUnreachable(t *testing.T) {
	srv, _ := testServer(t, nil, nil)
	c := testClient(srv)
	if _, err := c.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Close() // token cached, push endpoint now gone

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 100, AccountReference: "r"})
	if transaction.CodeOf(err) != transaction.ErrProviderUnreachable {
		t.Fatalf("code = %q, err = %v", transaction.CodeOf(err), err)
	}
}

func TestQueryStatusDefinitive(t *testing.T) {
	srv, _ := testServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["CheckoutRequestID"] != "ws_CO_1" {
			t.Errorf("CheckoutRequestID = %v", body["CheckoutRequestID"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode": "0",
			"ResultCode":   "1032",
			"ResultDesc":   "Request cancelled by user",
		})
	})
	c := testClient(srv)

	res, err := c.QueryStatus(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Pending || res.ResultCode != 1032 {
		t.Fatalf("result = %+v", res)
	}
}

func TestQueryStatusStillProcessing(t *testing.T) {
	srv, _ := testServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})
	})
	c := testClient(srv)

	res, err := c.QueryStatus(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pending {
		t.Fatalf("expected pending, got %+v", res)
	}
}

func TestParseCallbackSuccess(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr-1","CheckoutRequestID":"ws_CO_1",
		"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":100.0},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"TransactionDate","Value":20250302000405},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`)
	cb, err := ParseCallback(body)
	if err != nil {
		t.Fatal(err)
	}
	if cb.CheckoutRequestID != "ws_CO_1" || cb.ResultCode != 0 {
		t.Fatalf("callback = %+v", cb)
	}
	if cb.ReceiptNumber != "NLJ7RT61SV" || cb.PaidAmount != 100 || cb.Phone != "254712345678" {
		t.Fatalf("metadata = %+v", cb)
	}
	if Timestamp(cb.PaidAt) != "20250302000405" {
		t.Fatalf("paid at = %v", cb.PaidAt)
	}
}

func TestParseCallbackFailure(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr-1","CheckoutRequestID":"ws_CO_1",
		"ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	cb, err := ParseCallback(body)
	if err != nil {
		t.Fatal(err)
	}
	if cb.ResultCode != 1032 || cb.ReceiptNumber != "" {
		t.Fatalf("callback = %+v", cb)
	}
}

func TestParseCallbackBadShape(t *testing.T) {
	if _, err := ParseCallback([]byte(`{"TransID":"ABC"}`)); err == nil {
		t.Fatal("expected error for non-STK payload")
	}
	if _, err := ParseCallback([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
