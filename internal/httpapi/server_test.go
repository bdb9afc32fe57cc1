package httpapi

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/metatx_ledger/internal/errors"
	"github.com/R3E-Network/metatx_ledger/internal/httputil"
	"github.com/R3E-Network/metatx_ledger/internal/keys"
	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
	"github.com/R3E-Network/metatx_ledger/internal/metatx"
	"github.com/R3E-Network/metatx_ledger/internal/metrics"
	"github.com/R3E-Network/metatx_ledger/internal/middleware"
)

var (
	testNow    = time.Date(2022, 11, 1, 0, 0, 0, 0, time.UTC)
	testExpiry = time.Date(2022, 11, 7, 12, 12, 12, 0, time.UTC)
)

const testDomain = "NetXdQprcVkpaWU"

type fixture struct {
	srv     *httptest.Server
	holder  keys.PrivateKey
	jwtKey  *rsa.PrivateKey
	address string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	proc, err := ledger.NewProcessor(ledger.Config{
		Store:    ledger.NewMemoryStore(),
		DomainID: testDomain,
		Clock:    ledger.ClockFunc(func() time.Time { return testNow }),
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)

	jwtKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	holder, err := keys.GenerateKey(keys.SchemeEd25519)
	require.NoError(t, err)

	logger := logging.NewDiscard()
	s := New(Config{
		Processor:   proc,
		Logger:      logger,
		Metrics:     metrics.New("test"),
		Auth:        middleware.NewAuthMiddleware(&jwtKey.PublicKey, logger, nil),
		RateLimiter: middleware.NewRateLimiter(1000, 1000, logger),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, holder: holder, jwtKey: jwtKey, address: holder.Public().Address()}
}

func (f *fixture) token(t *testing.T, address string) string {
	return f.tokenWithRole(t, address, middleware.RoleFunder)
}

func (f *fixture) tokenWithRole(t *testing.T, address, role string) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &middleware.Claims{
		Address: address,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(f.jwtKey)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set(httputil.RelayerHeader, "relayer-1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (f *fixture) signed(t *testing.T, purpose metatx.Purpose, dir metatx.Direction, amount, counter uint64) (string, string) {
	t.Helper()
	hash, err := metatx.Message{
		Purpose: purpose, Direction: dir, Amount: amount, Expiry: testExpiry,
		DomainID: testDomain, Counter: counter,
	}.Hash()
	require.NoError(t, err)
	sig, err := f.holder.Sign(hash)
	require.NoError(t, err)
	return hex.EncodeToString(f.holder.Public().Bytes()), hex.EncodeToString(sig)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var er httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er), string(body))
	return er.Code
}

func TestDepositThenTrade(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/deposits", f.token(t, f.address), DepositRequest{Amount: 1_000_000})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	pub, sig := f.signed(t, metatx.PurposeTrade, metatx.Decrease, 100_000, 1)
	resp, body = f.do(t, http.MethodPost, "/v1/instructions", "", map[string]interface{}{
		"public_key": pub, "signature": sig, "direction": "decrease",
		"amount": 100_000, "expiry": testExpiry.Unix(), "counter": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var entry ledger.Entry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, uint64(900_000), entry.Balance)
	assert.Equal(t, "relayer-1", entry.Relayer)

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/"+f.address, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct AccountResponse
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.Equal(t, AccountResponse{Address: f.address, Balance: 900_000, Counter: 2, Exists: true}, acct)

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/"+f.address+"/entries?limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, ledger.EntryInstruction, list.Entries[0].Kind)

	// Replaying the same request is rejected.
	resp, body = f.do(t, http.MethodPost, "/v1/instructions", "", map[string]interface{}{
		"public_key": pub, "signature": sig, "direction": "decrease",
		"amount": 100_000, "expiry": testExpiry.Unix(), "counter": 1,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(svcerrors.CodeStaleCounter), errorCode(t, body))
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	pub, sig := f.signed(t, metatx.PurposeTrade, metatx.Decrease, 5, 0)
	wpub, wsig := f.signed(t, metatx.PurposeWithdraw, metatx.Decrease, 5, 0)

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
		wantCode   svcerrors.ErrorCode
	}{
		{
			name: "insufficient funds",
			path: "/v1/instructions",
			body: InstructionRequest{PublicKey: pub, Signature: sig, Direction: metatx.Decrease, Amount: 5, Expiry: testExpiry.Unix()},
			wantStatus: http.StatusUnprocessableEntity, wantCode: svcerrors.CodeInsufficientFunds,
		},
		{
			name: "tampered amount",
			path: "/v1/instructions",
			body: InstructionRequest{PublicKey: pub, Signature: sig, Direction: metatx.Decrease, Amount: 6, Expiry: testExpiry.Unix()},
			wantStatus: http.StatusUnauthorized, wantCode: svcerrors.CodeBadSignature,
		},
		{
			name: "expired",
			path: "/v1/instructions",
			body: InstructionRequest{PublicKey: pub, Signature: sig, Direction: metatx.Decrease, Amount: 5, Expiry: testNow.Add(-time.Second).Unix()},
			wantStatus: http.StatusUnprocessableEntity, wantCode: svcerrors.CodeExpired,
		},
		{
			name: "zero amount",
			path: "/v1/instructions",
			body: InstructionRequest{PublicKey: pub, Signature: sig, Direction: metatx.Decrease, Amount: 0, Expiry: testExpiry.Unix()},
			wantStatus: http.StatusBadRequest, wantCode: svcerrors.CodeInvalidFormat,
		},
		{
			name: "bad hex",
			path: "/v1/instructions",
			body: map[string]interface{}{"public_key": "zz", "signature": sig, "direction": "decrease", "amount": 5, "expiry": testExpiry.Unix()},
			wantStatus: http.StatusBadRequest, wantCode: svcerrors.CodeInvalidFormat,
		},
		{
			name: "bad direction",
			path: "/v1/instructions",
			body: map[string]interface{}{"public_key": pub, "signature": sig, "direction": "sideways", "amount": 5, "expiry": testExpiry.Unix()},
			wantStatus: http.StatusBadRequest, wantCode: svcerrors.CodeInvalidFormat,
		},
		{
			name: "withdraw unknown account",
			path: "/v1/withdrawals",
			body: WithdrawalRequest{PublicKey: wpub, Signature: wsig, Amount: 5, Expiry: testExpiry.Unix()},
			wantStatus: http.StatusNotFound, wantCode: svcerrors.CodeUnknownAccount,
		},
		{
			name: "trade signature used for withdrawal",
			path: "/v1/withdrawals",
			body: WithdrawalRequest{PublicKey: pub, Signature: sig, Amount: 5, Expiry: testExpiry.Unix()},
			wantStatus: http.StatusUnauthorized, wantCode: svcerrors.CodeBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tt.path, "", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			assert.Equal(t, string(tt.wantCode), errorCode(t, body))
		})
	}

	// None of the rejections touched the account.
	resp, body := f.do(t, http.MethodGet, "/v1/accounts/"+f.address, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct AccountResponse
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.False(t, acct.Exists)
	assert.Zero(t, acct.Counter)
}

func TestWithdrawal(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/deposits", f.token(t, f.address), DepositRequest{Amount: 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pub, sig := f.signed(t, metatx.PurposeWithdraw, metatx.Decrease, 20, 1)
	resp, body := f.do(t, http.MethodPost, "/v1/withdrawals", "", WithdrawalRequest{
		PublicKey: pub, Signature: sig, Amount: 20, Expiry: testExpiry.Unix(), Counter: 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var entry ledger.Entry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, ledger.EntryWithdrawal, entry.Kind)
	assert.Equal(t, uint64(30), entry.Balance)
}

func TestDepositRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/deposits", "", DepositRequest{Amount: 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(svcerrors.CodeUnauthorized), errorCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/v1/deposits", f.token(t, "not-an-address"), DepositRequest{Amount: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(svcerrors.CodeInvalidFormat), errorCode(t, body))
}

func TestDepositRequiresFunderRole(t *testing.T) {
	f := newFixture(t)
	for _, role := range []string{"", "admin"} {
		resp, body := f.do(t, http.MethodPost, "/v1/deposits", f.tokenWithRole(t, f.address, role), DepositRequest{Amount: 1})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "role %q", role)
		assert.Equal(t, string(svcerrors.CodeForbidden), errorCode(t, body))
	}

	resp, body := f.do(t, http.MethodGet, "/v1/accounts/"+f.address, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct AccountResponse
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.False(t, acct.Exists)
}

func TestDepositsNotRoutedWithoutAuth(t *testing.T) {
	proc, err := ledger.NewProcessor(ledger.Config{Store: ledger.NewMemoryStore(), DomainID: testDomain, Logger: logging.NewDiscard()})
	require.NoError(t, err)
	srv := httptest.NewServer(New(Config{Processor: proc, Logger: logging.NewDiscard()}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/deposits", "application/json", bytes.NewBufferString(`{"amount":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/domain", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dom DomainResponse
	require.NoError(t, json.Unmarshal(body, &dom))
	assert.Equal(t, testDomain, dom.DomainID)
	assert.Equal(t, metatx.Version, dom.Version)

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/"+f.address+"/entries", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(svcerrors.CodeUnknownAccount), errorCode(t, body))

	resp, _ = f.do(t, http.MethodGet, "/v1/accounts/"+f.address+"/entries?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/accounts/garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	resp, body = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_http_requests_total")
}
