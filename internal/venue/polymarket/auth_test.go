package polymarket

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestBuildHMACSignature(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		want   string
	}{
		{"post with body", http.MethodPost, "/order", []byte(`{"a":1}`), "KuAtBdxlNSRO7yFe_5Qikip_BbnrGVoJBwVUQ47TuHA="},
		{"get without body", http.MethodGet, "/data/orders", nil, "Xk7ucqyxdXt4Rya-du9c6i0l0gqjxKd7WbJMhIZ0N4s="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildHMACSignature(testSecret, 1700000000, tt.method, tt.path, tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildHMACSignatureAcceptsUnpaddedSecret(t *testing.T) {
	padded, err := BuildHMACSignature(testSecret, 1, http.MethodGet, "/x", nil)
	require.NoError(t, err)
	raw, err := BuildHMACSignature(strings.TrimRight(testSecret, "="), 1, http.MethodGet, "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, padded, raw)
}

func TestBuildHMACSignatureRejectsBadSecret(t *testing.T) {
	_, err := BuildHMACSignature("not base64 !!", 1, http.MethodGet, "/x", nil)
	assert.Error(t, err)
}

func TestL2AuthSetsHeaders(t *testing.T) {
	auth := NewL2Auth("0xabc", Credentials{APIKey: "key", Secret: testSecret, Passphrase: "pass"})
	auth.now = func() time.Time { return time.Unix(1700000000, 0) }

	req, err := http.NewRequest(http.MethodGet, "https://clob.example/data/orders?asset_id=1", nil)
	require.NoError(t, err)
	require.NoError(t, auth.SignRequest(req, nil))

	assert.Equal(t, "0xabc", req.Header.Get("POLY_ADDRESS"))
	assert.Equal(t, "1700000000", req.Header.Get("POLY_TIMESTAMP"))
	assert.Equal(t, "key", req.Header.Get("POLY_API_KEY"))
	assert.Equal(t, "pass", req.Header.Get("POLY_PASSPHRASE"))
	// The query string is not part of the signed path.
	assert.Equal(t, "Xk7ucqyxdXt4Rya-du9c6i0l0gqjxKd7WbJMhIZ0N4s=", req.Header.Get("POLY_SIGNATURE"))
}
