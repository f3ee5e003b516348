package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

// loginServer scripts the whole interactive login flow on one host.
func loginServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("user_id") != "AB1234" || r.FormValue("password") != "hunter2" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"status":"error","message":"bad credentials","error_type":"UserException"}`)
			return
		}
		fmt.Fprint(w, `{"status":"success","data":{"request_id":"req-77"}}`)
	})

	mux.HandleFunc("/api/twofa", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("request_id") != "req-77" || r.FormValue("twofa_type") != "totp" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"status":"error","message":"bad request id","error_type":"UserException"}`)
			return
		}
		if code := r.FormValue("twofa_value"); len(code) != 6 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"status":"error","message":"bad totp","error_type":"UserException"}`)
			return
		}
		fmt.Fprint(w, `{"status":"success","data":{}}`)
	})

	mux.HandleFunc("/connect/login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "key123" {
			http.Error(w, "unknown app", http.StatusBadRequest)
			return
		}
		// The app's redirect URL does not need to resolve; the client reads
		// request_token off the Location header without following it.
		http.Redirect(w, r, "https://example.invalid/cb?request_token=rt-42&status=success", http.StatusFound)
	})

	mux.HandleFunc("/session/token", func(w http.ResponseWriter, r *http.Request) {
		sum := sha256.Sum256([]byte("key123" + "rt-42" + "sekrit"))
		if r.FormValue("checksum") != hex.EncodeToString(sum[:]) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"status":"error","message":"checksum mismatch","error_type":"TokenException"}`)
			return
		}
		fmt.Fprint(w, `{"status":"success","data":{"access_token":"at-999"}}`)
	})

	return httptest.NewServer(mux)
}

func TestLoginFullFlow(t *testing.T) {
	srv := loginServer(t)
	defer srv.Close()

	token, err := Login(context.Background(), LoginConfig{
		APIKey:     "key123",
		APISecret:  "sekrit",
		UserID:     "AB1234",
		Password:   "hunter2",
		TOTPSecret: testTOTPSecret,
		BaseURL:    srv.URL,
		LoginURL:   srv.URL,
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "at-999" {
		t.Errorf("token = %q", token)
	}
}

func TestLoginBadPassword(t *testing.T) {
	srv := loginServer(t)
	defer srv.Close()

	_, err := Login(context.Background(), LoginConfig{
		APIKey:     "key123",
		APISecret:  "sekrit",
		UserID:     "AB1234",
		Password:   "wrong",
		TOTPSecret: testTOTPSecret,
		BaseURL:    srv.URL,
		LoginURL:   srv.URL,
	}, log.New(io.Discard, "", 0))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.ErrorType != "UserException" {
		t.Errorf("error type = %s", apiErr.ErrorType)
	}
}

func TestExchangeRequestTokenChecksumRejected(t *testing.T) {
	srv := loginServer(t)
	defer srv.Close()

	_, err := ExchangeRequestToken(context.Background(), srv.URL, "key123", "wrong-secret", "rt-42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
}
