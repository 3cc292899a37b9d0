package polymarket

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	phttp "order_orchestrator/pkg/http"
)

// Credentials are the L2 API credentials of an account
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Complete reports whether all three parts are present
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// L2Auth signs CLOB REST requests with the account's API credentials
type L2Auth struct {
	address string
	creds   Credentials
	now     func() time.Time
}

// NewL2Auth creates a request signer for the signer address
func NewL2Auth(address string, creds Credentials) *L2Auth {
	return &L2Auth{address: address, creds: creds, now: time.Now}
}

// SignRequest sets the POLY_* headers. The signed path excludes the query
// string.
func (a *L2Auth) SignRequest(req *http.Request, body []byte) error {
	ts := a.now().Unix()
	sig, err := BuildHMACSignature(a.creds.Secret, ts, req.Method, req.URL.Path, body)
	if err != nil {
		return err
	}

	req.Header.Set("POLY_ADDRESS", a.address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_API_KEY", a.creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", a.creds.Passphrase)
	return nil
}

// BuildHMACSignature is the url-safe base64 HMAC-SHA256 of
// timestamp + method + path + body, keyed by the decoded secret
func BuildHMACSignature(secret string, timestamp int64, method, path string, body []byte) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("failed to decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSecret(secret string) ([]byte, error) {
	if strings.HasSuffix(secret, "=") {
		return base64.URLEncoding.DecodeString(secret)
	}
	return base64.RawURLEncoding.DecodeString(secret)
}

// l1Auth signs key management requests with the wallet itself
type l1Auth struct {
	signer *OrderSigner
	nonce  int64
	now    func() time.Time
}

func (a *l1Auth) SignRequest(req *http.Request, _ []byte) error {
	ts := a.now().Unix()
	sig, err := a.signer.SignClobAuth(ts, a.nonce)
	if err != nil {
		return err
	}
	req.Header.Set("POLY_ADDRESS", a.signer.Address())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(a.nonce, 10))
	return nil
}

// DeriveCredentials fetches the account's existing API key, creating one
// when none exists
func DeriveCredentials(ctx context.Context, baseURL string, signer *OrderSigner, timeout time.Duration) (Credentials, error) {
	client := phttp.NewClient(baseURL, timeout, &l1Auth{signer: signer, now: time.Now})

	raw, err := client.Get(ctx, "/auth/derive-api-key", nil)
	if err != nil {
		raw, err = client.Post(ctx, "/auth/api-key", nil)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to derive or create api key: %w", err)
		}
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode api key response: %w", err)
	}
	if !creds.Complete() {
		return Credentials{}, fmt.Errorf("incomplete api credentials in response")
	}
	return creds, nil
}
