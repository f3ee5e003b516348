package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/retry"
)

const kiteAPIVersion = "3"

// regularVariety is the only order variety the bot places; AMO/iceberg stay
// out of scope.
const regularVariety = "regular"

// httpDoer is satisfied by *retry.Client and *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KiteClient is the Kite-style REST gateway. Authentication is the api key
// plus a daily access token in the Authorization header; responses arrive in
// a {status, data} envelope.
type KiteClient struct {
	client      httpDoer
	baseURL     string
	apiKey      string
	accessToken string
	exchange    string
	logger      *log.Logger
}

// NewKiteClient builds a gateway client. An empty baseURL targets the
// production API; a nil logger falls back to log.Default().
func NewKiteClient(apiKey, accessToken, baseURL, exchange string, logger *log.Logger) *KiteClient {
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if exchange == "" {
		exchange = "NFO"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &KiteClient{
		client:      retry.NewClient(nil, logger),
		baseURL:     baseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		exchange:    exchange,
		logger:      logger,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (k *KiteClient) WithHTTPClient(c httpDoer) *KiteClient {
	if c != nil {
		k.client = c
	}
	return k
}

// SetAccessToken swaps in a fresh daily token after a login flow.
func (k *KiteClient) SetAccessToken(token string) {
	k.accessToken = token
}

// envelope is the upstream's uniform response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// Profile fetches the logged-in account profile. A TokenException maps to
// ErrSessionExpired, which is what makes this the session validity probe.
func (k *KiteClient) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := k.get(ctx, "/user/profile", nil, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// marginsData mirrors the segment-wise funds payload.
type marginsData struct {
	Equity struct {
		Available struct {
			LiveBalance float64 `json:"live_balance"`
			Cash        float64 `json:"cash"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	} `json:"equity"`
}

// Margins returns the equity segment's available and used margin.
func (k *KiteClient) Margins(ctx context.Context) (models.Margin, error) {
	var data marginsData
	if err := k.get(ctx, "/user/margins", nil, &data); err != nil {
		return models.Margin{}, err
	}
	return models.Margin{
		Available: data.Equity.Available.LiveBalance,
		Used:      data.Equity.Utilised.Debits,
	}, nil
}

// Positions returns the net positions report.
func (k *KiteClient) Positions(ctx context.Context) ([]NetPosition, error) {
	var data struct {
		Net []NetPosition `json:"net"`
	}
	if err := k.get(ctx, "/portfolio/positions", nil, &data); err != nil {
		return nil, err
	}
	return data.Net, nil
}

// Orders returns the day's order book, every status included.
func (k *KiteClient) Orders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := k.get(ctx, "/orders", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// LTP returns the last traded price for one "EXCHANGE:TRADINGSYMBOL".
func (k *KiteClient) LTP(ctx context.Context, instrument string) (float64, error) {
	params := url.Values{}
	params.Set("i", instrument)
	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := k.get(ctx, "/quote/ltp", params, &data); err != nil {
		return 0, err
	}
	q, ok := data[instrument]
	if !ok {
		return 0, fmt.Errorf("no LTP returned for %s", instrument)
	}
	return q.LastPrice, nil
}

// Quote returns the full quote for one "EXCHANGE:TRADINGSYMBOL".
func (k *KiteClient) Quote(ctx context.Context, instrument string) (Quote, error) {
	params := url.Values{}
	params.Set("i", instrument)
	var data map[string]Quote
	if err := k.get(ctx, "/quote", params, &data); err != nil {
		return Quote{}, err
	}
	q, ok := data[instrument]
	if !ok {
		return Quote{}, fmt.Errorf("no quote returned for %s", instrument)
	}
	return q, nil
}

// PlaceOrder places a regular-variety order and returns the broker order id.
func (k *KiteClient) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	form := url.Values{}
	form.Set("exchange", p.Exchange)
	form.Set("tradingsymbol", p.Tradingsymbol)
	form.Set("transaction_type", p.TransactionType)
	form.Set("order_type", p.OrderType)
	form.Set("product", p.Product)
	form.Set("quantity", strconv.Itoa(p.Quantity))
	if p.Price > 0 {
		form.Set("price", formatPrice(p.Price))
	}
	if p.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(p.TriggerPrice))
	}
	if p.Tag != "" {
		form.Set("tag", p.Tag)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := k.form(ctx, http.MethodPost, "/orders/"+regularVariety, form, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// ModifyOrderPrice moves an open order's limit and trigger prices.
func (k *KiteClient) ModifyOrderPrice(ctx context.Context, orderID string, price, triggerPrice float64) error {
	form := url.Values{}
	if price > 0 {
		form.Set("price", formatPrice(price))
	}
	if triggerPrice > 0 {
		form.Set("trigger_price", formatPrice(triggerPrice))
	}
	var data struct {
		OrderID string `json:"order_id"`
	}
	return k.form(ctx, http.MethodPut, "/orders/"+regularVariety+"/"+orderID, form, &data)
}

// CancelOrder cancels an open order.
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	var data struct {
		OrderID string `json:"order_id"`
	}
	return k.request(ctx, http.MethodDelete, "/orders/"+regularVariety+"/"+orderID, nil, nil, &data)
}

// OrderStatus returns the latest state of one order. The upstream replies
// with the order's full history; the last entry is current.
func (k *KiteClient) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	var history []Order
	if err := k.get(ctx, "/orders/"+orderID, nil, &history); err != nil {
		return Order{}, err
	}
	if len(history) == 0 {
		return Order{}, fmt.Errorf("order %s has no history", orderID)
	}
	return history[len(history)-1], nil
}

// InstrumentsDump downloads the exchange's instrument CSV verbatim. The
// instrument cache owns parsing and on-disk caching.
func (k *KiteClient) InstrumentsDump(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/instruments/"+k.exchange, http.NoBody)
	if err != nil {
		return nil, err
	}
	k.setHeaders(req)
	req.Header.Set("Accept", "text/csv")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer k.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, k.apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (k *KiteClient) get(ctx context.Context, path string, params url.Values, out any) error {
	return k.request(ctx, http.MethodGet, path, params, nil, out)
}

func (k *KiteClient) form(ctx context.Context, method, path string, form url.Values, out any) error {
	return k.request(ctx, method, path, nil, form, out)
}

func (k *KiteClient) request(ctx context.Context, method, path string, params, form url.Values, out any) error {
	endpoint := k.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}
	k.setHeaders(req)

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer k.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return k.apiError(resp)
	}

	var env envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	if env.Status != "success" {
		return &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s %s data: %w", method, path, err)
		}
	}
	return nil
}

func (k *KiteClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Kite-Version", kiteAPIVersion)
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	req.Header.Set("Accept", "application/json")
}

func (k *KiteClient) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		k.logger.Printf("Warning: closing response body: %v", err)
	}
}

// apiError reads the error envelope off a non-200 response. A TokenException
// becomes ErrSessionExpired so callers can branch with errors.Is.
func (k *KiteClient) apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: "failed to read error body"}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if env.ErrorType == "TokenException" {
		return fmt.Errorf("%w: %s", ErrSessionExpired, env.Message)
	}
	return &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
