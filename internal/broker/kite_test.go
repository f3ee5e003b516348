package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*KiteClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewKiteClient("testkey", "testtoken", srv.URL, "NFO", log.New(io.Discard, "", 0))
	c.WithHTTPClient(srv.Client())
	return c, srv
}

func TestKiteClientSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotVersion string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		io.WriteString(w, `{"status":"success","data":{"user_id":"AB1234"}}`)
	}))

	if _, err := c.Profile(context.Background()); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if gotAuth != "token testkey:testtoken" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotVersion != "3" {
		t.Errorf("X-Kite-Version = %q", gotVersion)
	}
}

func TestKiteClientPositions(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portfolio/positions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":"success","data":{"net":[
			{"tradingsymbol":"NIFTY26MAR21500CE","exchange":"NFO","product":"NRML",
			 "quantity":-75,"average_price":180.5,"last_price":160.0,"pnl":1537.5,"unrealised":1537.5}
		],"day":[]}}`)
	}))

	positions, err := c.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("want 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Tradingsymbol != "NIFTY26MAR21500CE" || p.Quantity != -75 || p.AveragePrice != 180.5 {
		t.Errorf("unexpected position: %+v", p)
	}
}

func TestKiteClientPlaceOrderForm(t *testing.T) {
	var form map[string][]string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/regular" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		form = r.PostForm
		io.WriteString(w, `{"status":"success","data":{"order_id":"240105000001"}}`)
	}))

	orderID, err := c.PlaceOrder(context.Background(), OrderParams{
		Exchange:        "NFO",
		Tradingsymbol:   "NIFTY26MAR21500CE",
		TransactionType: "SELL",
		OrderType:       "LIMIT",
		Product:         "NRML",
		Quantity:        75,
		Price:           180.05,
		Tag:             "PRIMARY_SELL",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID != "240105000001" {
		t.Errorf("order id = %q", orderID)
	}
	want := map[string]string{
		"exchange":         "NFO",
		"tradingsymbol":    "NIFTY26MAR21500CE",
		"transaction_type": "SELL",
		"order_type":       "LIMIT",
		"product":          "NRML",
		"quantity":         "75",
		"price":            "180.05",
		"tag":              "PRIMARY_SELL",
	}
	for k, v := range want {
		if got := form[k]; len(got) != 1 || got[0] != v {
			t.Errorf("form[%s] = %v, want %q", k, got, v)
		}
	}
	if _, present := form["trigger_price"]; present {
		t.Error("trigger_price must be omitted when zero")
	}
}

func TestKiteClientLTP(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("i"); got != "NSE:NIFTY 50" {
			t.Errorf("instrument param = %q", got)
		}
		io.WriteString(w, `{"status":"success","data":{"NSE:NIFTY 50":{"instrument_token":256265,"last_price":21534.35}}}`)
	}))

	ltp, err := c.LTP(context.Background(), "NSE:NIFTY 50")
	if err != nil {
		t.Fatalf("LTP: %v", err)
	}
	if ltp != 21534.35 {
		t.Errorf("LTP = %v", ltp)
	}
}

func TestKiteClientOrderStatusUsesLastHistoryEntry(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"success","data":[
			{"order_id":"1","status":"OPEN","filled_quantity":0},
			{"order_id":"1","status":"COMPLETE","filled_quantity":75,"average_price":179.8}
		]}`)
	}))

	order, err := c.OrderStatus(context.Background(), "1")
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if order.Status != "COMPLETE" || order.FilledQuantity != 75 {
		t.Errorf("want the final history entry, got %+v", order)
	}
}

func TestKiteClientTokenExceptionMapsToSessionExpired(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`)
	}))

	_, err := c.Profile(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired, got %v", err)
	}
}

func TestKiteClientAPIErrorCarriesUpstreamFields(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"status":"error","message":"Quantity should be a multiple of lot size","error_type":"InputException"}`)
	}))

	_, err := c.PlaceOrder(context.Background(), OrderParams{Quantity: 10})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.ErrorType != "InputException" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}

func TestKiteClientInstrumentsDumpReturnsCSV(t *testing.T) {
	const csv = "instrument_token,exchange_token,tradingsymbol\n123,1,NIFTY26MAR21500CE\n"
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/NFO" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, csv)
	}))

	dump, err := c.InstrumentsDump(context.Background())
	if err != nil {
		t.Fatalf("InstrumentsDump: %v", err)
	}
	if string(dump) != csv {
		t.Errorf("dump = %q", dump)
	}
}
