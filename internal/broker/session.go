package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// defaultLoginURL is the interactive login host. The REST API host does not
// serve the login pages.
const defaultLoginURL = "https://kite.zerodha.com"

// LoginConfig carries the credentials for the automated daily login. All of
// it comes from config with ${ENV_VAR} expansion; nothing here is persisted.
type LoginConfig struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string
	BaseURL    string // REST API host; empty means production
	LoginURL   string // interactive login host; empty means production
}

// Login runs the full daily login flow and returns a fresh access token:
// password login, TOTP second factor, the connect redirect that yields a
// request token, and the checksum exchange. The token is valid until the
// upstream's early-morning invalidation the next day.
func Login(ctx context.Context, cfg LoginConfig, logger *log.Logger) (string, error) {
	if logger == nil {
		logger = log.Default()
	}
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = defaultLoginURL
	}
	loginURL = strings.TrimRight(loginURL, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("creating cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	requestID, err := passwordLogin(ctx, client, loginURL, cfg.UserID, cfg.Password)
	if err != nil {
		return "", fmt.Errorf("password login: %w", err)
	}

	code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generating TOTP code: %w", err)
	}
	if err := twoFactor(ctx, client, loginURL, cfg.UserID, requestID, code); err != nil {
		return "", fmt.Errorf("two-factor login: %w", err)
	}

	requestToken, err := connectRequestToken(ctx, client, loginURL, cfg.APIKey)
	if err != nil {
		return "", fmt.Errorf("fetching request token: %w", err)
	}
	logger.Printf("Login flow completed for user %s, exchanging request token", cfg.UserID)

	return ExchangeRequestToken(ctx, cfg.BaseURL, cfg.APIKey, cfg.APISecret, requestToken)
}

// ExchangeRequestToken trades a request token for an access token. The
// checksum is SHA-256 over api_key + request_token + api_secret, hex encoded.
func ExchangeRequestToken(ctx context.Context, baseURL, apiKey, apiSecret, requestToken string) (string, error) {
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	form := url.Values{}
	form.Set("api_key", apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", kiteAPIVersion)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decoding token exchange response: %w", err)
	}
	if env.Status != "success" {
		return "", &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("decoding token exchange data: %w", err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned an empty access token")
	}
	return data.AccessToken, nil
}

func passwordLogin(ctx context.Context, client *http.Client, loginURL, userID, password string) (string, error) {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("password", password)

	var data struct {
		RequestID string `json:"request_id"`
	}
	if err := loginPost(ctx, client, loginURL+"/api/login", form, &data); err != nil {
		return "", err
	}
	if data.RequestID == "" {
		return "", fmt.Errorf("login response carried no request id")
	}
	return data.RequestID, nil
}

func twoFactor(ctx context.Context, client *http.Client, loginURL, userID, requestID, code string) error {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("request_id", requestID)
	form.Set("twofa_value", code)
	form.Set("twofa_type", "totp")
	return loginPost(ctx, client, loginURL+"/api/twofa", form, nil)
}

// connectRequestToken drives the connect authorization URL. With a valid
// login session the upstream redirects straight to the app's redirect URL
// carrying request_token; the redirect is intercepted rather than followed
// because the redirect target does not need to exist.
func connectRequestToken(ctx context.Context, client *http.Client, loginURL, apiKey string) (string, error) {
	var requestToken string
	connectClient := &http.Client{
		Jar:     client.Jar,
		Timeout: client.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if tok := req.URL.Query().Get("request_token"); tok != "" {
				requestToken = tok
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	connectURL := loginURL + "/connect/login?v=" + kiteAPIVersion + "&api_key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectURL, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := connectClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		return "", err
	}

	if requestToken == "" {
		return "", fmt.Errorf("connect flow produced no request token (status %d)", resp.StatusCode)
	}
	return requestToken, nil
}

func loginPost(ctx context.Context, client *http.Client, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if env.Status != "success" {
		return &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding login data: %w", err)
		}
	}
	return nil
}
