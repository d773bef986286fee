package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collarlabs/collard/internal/authz"
	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/engine"
	"github.com/collarlabs/collard/internal/ledger"
	"github.com/collarlabs/collard/internal/provider"
	"github.com/collarlabs/collard/internal/server/handler"
	"github.com/collarlabs/collard/internal/store/memory"
)

var (
	underlying       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	cash             = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	engineAddr       = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	providerContract = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	feeRecipient     = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	takerAddr        = common.HexToAddress("0x0000000000000000000000000000000000000101")
	providerAddr     = common.HexToAddress("0x0000000000000000000000000000000000000102")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeOracle struct {
	mu      sync.Mutex
	current *big.Int
}

func (o *fakeOracle) CurrentPrice(context.Context, domain.AssetPair) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.current), nil
}

func (o *fakeOracle) PastPriceWithFallback(context.Context, domain.AssetPair, time.Time) (*big.Int, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.current), false, nil
}

func (o *fakeOracle) set(price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = big.NewInt(price)
}

type apiRig struct {
	ts      *httptest.Server
	clock   *fakeClock
	oracle  *fakeOracle
	offerID uint64
}

func newAPIRig(t *testing.T, apiKey string) *apiRig {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	assets := ledger.NewMemory()
	pair := domain.AssetPair{Underlying: underlying, Cash: cash}
	prov := provider.NewMemory(providerContract, pair, assets, clock.Now)
	registry := provider.NewRegistry()
	registry.Register(providerContract, prov)

	allow := authz.NewAllowlist()
	allow.Allow(underlying, cash, engineAddr)
	allow.Allow(underlying, cash, providerContract)

	positions := memory.NewPositionStore()
	offers := memory.NewRollOfferStore()
	orc := &fakeOracle{current: big.NewInt(100)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(engine.Config{
		Positions:       positions,
		Offers:          offers,
		Certs:           engine.NewCertificates(),
		Providers:       registry,
		Oracle:          orc,
		Authz:           allow,
		Ledger:          assets,
		Self:            engineAddr,
		FeeRecipient:    feeRecipient,
		ProtocolFeeBIPS: 100,
		Logger:          logger,
		Now:             clock.Now,
	})

	require.NoError(t, assets.Credit(ctx, cash, takerAddr, big.NewInt(1_000_000)))
	require.NoError(t, assets.Credit(ctx, cash, providerAddr, big.NewInt(1_000_000)))

	offerID, err := prov.CreateOffer(ctx, providerAddr, 9000, 11000, 30*24*time.Hour, big.NewInt(100_000))
	require.NoError(t, err)

	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(logger),
		Status:    handler.NewStatusHandler("serve", positions),
		Positions: handler.NewPositionHandler(eng, positions, logger),
		Rolls:     handler.NewRollHandler(eng, offers, logger),
	}, logger)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &apiRig{ts: ts, clock: clock, oracle: orc, offerID: offerID}
}

// do issues a request with the caller header set and decodes the JSON body.
func (r *apiRig) do(t *testing.T, method, path string, caller common.Address, body any) (int, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, r.ts.URL+path, buf)
	require.NoError(t, err)
	if caller != (common.Address{}) {
		req.Header.Set("X-Collar-Account", caller.Hex())
	}

	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (r *apiRig) openPosition(t *testing.T, takerLocked int64) uint64 {
	t.Helper()
	status, body := r.do(t, http.MethodPost, "/api/positions", takerAddr, map[string]any{
		"underlying":        underlying.Hex(),
		"cash":              cash.Hex(),
		"taker_locked":      fmt.Sprintf("%d", takerLocked),
		"provider_contract": providerContract.Hex(),
		"offer_id":          r.offerID,
	})
	require.Equal(t, http.StatusCreated, status, "open: %v", body)
	return uint64(body["id"].(float64))
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t, "")

	status, body := r.do(t, http.MethodGet, "/api/health", common.Address{}, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestOpenSettleWithdrawOverHTTP(t *testing.T) {
	r := newAPIRig(t, "")

	id := r.openPosition(t, 1000)

	status, body := r.do(t, http.MethodGet, fmt.Sprintf("/api/positions/%d", id), common.Address{}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1000", body["taker_locked"])
	assert.Equal(t, "1000", body["provider_locked"])
	assert.Equal(t, false, body["settled"])

	// Settling before expiry conflicts.
	status, _ = r.do(t, http.MethodPost, fmt.Sprintf("/api/positions/%d/settle", id), common.Address{}, nil)
	assert.Equal(t, http.StatusConflict, status)

	r.clock.Advance(31 * 24 * time.Hour)
	r.oracle.set(110)

	status, body = r.do(t, http.MethodPost, fmt.Sprintf("/api/positions/%d/settle", id), common.Address{}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2000", body["taker_balance"])

	status, body = r.do(t, http.MethodPost, fmt.Sprintf("/api/positions/%d/withdraw", id), takerAddr, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2000", body["amount"])

	// Second withdraw conflicts.
	status, _ = r.do(t, http.MethodPost, fmt.Sprintf("/api/positions/%d/withdraw", id), takerAddr, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestOpenRequiresCallerHeader(t *testing.T) {
	r := newAPIRig(t, "")

	status, body := r.do(t, http.MethodPost, "/api/positions", common.Address{}, map[string]any{
		"underlying":        underlying.Hex(),
		"cash":              cash.Hex(),
		"taker_locked":      "1000",
		"provider_contract": providerContract.Hex(),
		"offer_id":          r.offerID,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "X-Collar-Account")
}

func TestPreviewSettlementEndpoint(t *testing.T) {
	r := newAPIRig(t, "")
	id := r.openPosition(t, 1000)

	status, body := r.do(t, http.MethodGet, fmt.Sprintf("/api/positions/%d/preview?price=105", id), common.Address{}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1500", body["taker_balance"])
	assert.Equal(t, "-500", body["provider_delta"])

	status, _ = r.do(t, http.MethodGet, fmt.Sprintf("/api/positions/%d/preview", id), common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRollLifecycleOverHTTP(t *testing.T) {
	r := newAPIRig(t, "")
	id := r.openPosition(t, 1000)

	deadline := r.clock.Now().Add(24 * time.Hour).Format(time.RFC3339)
	status, body := r.do(t, http.MethodPost, "/api/rolls", providerAddr, map[string]any{
		"taker_id":              id,
		"fee_amount":            "10",
		"fee_delta_factor_bips": 0,
		"min_price":             "1",
		"max_price":             "1000000",
		"min_to_provider":       "-1000000",
		"deadline":              deadline,
	})
	require.Equal(t, http.StatusCreated, status, "create roll: %v", body)
	rollID := uint64(body["id"].(float64))

	status, body = r.do(t, http.MethodGet, fmt.Sprintf("/api/rolls/%d/preview?price=110", rollID), common.Address{}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "10", body["roll_fee"])
	assert.Equal(t, "2000", body["taker_settled"])

	r.oracle.set(110)
	status, body = r.do(t, http.MethodPost, fmt.Sprintf("/api/rolls/%d/execute", rollID), takerAddr, map[string]any{})
	require.Equal(t, http.StatusOK, status, "execute roll: %v", body)
	assert.Equal(t, "890", body["to_taker"])
	assert.NotZero(t, body["new_position_id"])

	// The offer is consumed.
	status, _ = r.do(t, http.MethodPost, fmt.Sprintf("/api/rolls/%d/execute", rollID), takerAddr, map[string]any{})
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPIKeyAuth(t *testing.T) {
	r := newAPIRig(t, "sekrit")

	req, err := http.NewRequest(http.MethodGet, r.ts.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-API-Key", "sekrit")
	resp, err = r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
