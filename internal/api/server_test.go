package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/burstmath"
	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miners"
	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

const testPoolID = 5000

var testGenSig = func() []byte {
	genSig := make([]byte, 32)
	for i := range genSig {
		genSig[i] = byte(i)
	}
	return genSig
}()

type fakeChainNode struct {
	mu       sync.Mutex
	info     *rpc.MiningInfo
	assigned []uint64
}

func (f *fakeChainNode) GetMiningInfo(ctx context.Context) (*rpc.MiningInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := *f.info
	return &info, nil
}

func (f *fakeChainNode) GetBlock(ctx context.Context, height uint64) (*rpc.BlockInfo, error) {
	return nil, &rpc.APIError{Code: 4, Description: "Unknown block"}
}

func (f *fakeChainNode) SubmitNonce(ctx context.Context, secretPhrase string, nonce, accountID uint64) (*rpc.SubmitNonceResult, error) {
	return &rpc.SubmitNonceResult{Result: "success"}, nil
}

func (f *fakeChainNode) GetAccountsWithRewardRecipient(ctx context.Context, accountID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.assigned...), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{
			Name:         "Test Pool",
			Fee:          0.01,
			WinnerReward: 0.2,
		},
		Rounds: config.RoundsConfig{
			NAvg:        360,
			NMin:        1,
			MaxDeadline: math.MaxUint64,
		},
		Payouts: config.PayoutsConfig{
			DefaultMinimumPayout:     100,
			MinimumMinimumPayout:     10,
			MinPayoutsPerTransaction: 10,
			TransactionFee:           1,
		},
		API: config.APIConfig{
			Enabled:    true,
			Bind:       "127.0.0.1:0",
			StatsCache: 10 * time.Millisecond,
		},
	}
}

func setupServer(t *testing.T, assigned []uint64) (*Server, *storage.RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := storage.NewRedisStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	// Park settlement at the tip so the controller only runs rounds
	// during the test.
	if err := store.SetLastProcessedBlock(ctx, 1000); err != nil {
		t.Fatalf("failed to seed last processed block: %v", err)
	}

	node := &fakeChainNode{
		info: &rpc.MiningInfo{
			GenerationSignature: util.BytesToHex(testGenSig),
			BaseTarget:          70312,
			Height:              1000,
		},
		assigned: assigned,
	}

	tracker := miners.NewTracker(360, 1, 0.01, 0.2, burst.BurstValue(100))
	controller := pool.NewController(store, node, tracker, testPoolID, pool.Options{
		SecretPhrase:    "pool secret",
		PocVersion:      burstmath.Poc2,
		NAvg:            360,
		TMin:            20,
		ProcessLag:      10,
		MaxDeadline:     math.MaxUint64,
		TargetDeadline:  31536000,
		RefreshInterval: time.Hour,
		ProcessInterval: time.Hour,
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go controller.Run(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := controller.CurrentRound(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller never started a round")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return NewServer(testConfig(), store, tracker, controller, testPoolID, nil), store
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := doRequest(s, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGetMiningInfo(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := doRequest(s, httptest.NewRequest("GET", "/burst?requestType=getMiningInfo", nil))
	body := decodeBody(t, w)

	if body["generationSignature"] != util.BytesToHex(testGenSig) {
		t.Errorf("generationSignature = %v", body["generationSignature"])
	}
	// Wallet software parses these numerics as strings.
	if body["baseTarget"] != "70312" {
		t.Errorf("baseTarget = %v, want \"70312\"", body["baseTarget"])
	}
	if body["height"] != "1000" {
		t.Errorf("height = %v, want \"1000\"", body["height"])
	}
	if body["targetDeadline"] != "31536000" {
		t.Errorf("targetDeadline = %v", body["targetDeadline"])
	}
}

func submitForm(s *Server, params url.Values, userAgent string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/burst", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if userAgent != "" {
		req.Header.Set("X-Miner", userAgent)
	}
	return doRequest(s, req)
}

func TestSubmitNonceEndpoint(t *testing.T) {
	s, store := setupServer(t, []uint64{1})

	w := submitForm(s, url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {"1"},
		"nonce":       {"42"},
	}, "scavenger/1.7")
	body := decodeBody(t, w)

	if body["result"] != "success" {
		t.Fatalf("result = %v, body %v", body["result"], body)
	}

	scoop := burstmath.CalculateScoop(testGenSig, 1000)
	want := burstmath.CalculateDeadline(1, 42, testGenSig, scoop, 70312, burstmath.Poc2)
	if uint64(body["deadline"].(float64)) != want {
		t.Errorf("deadline = %v, want %d", body["deadline"], want)
	}

	miner, err := store.Miner(context.Background(), 1)
	if err != nil {
		t.Fatalf("miner not created: %v", err)
	}
	if agent, _ := miner.UserAgent(context.Background()); agent != "scavenger/1.7" {
		t.Errorf("user agent = %q", agent)
	}
}

func TestSubmitNonceWrongRecipient(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := submitForm(s, url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {"999"},
		"nonce":       {"42"},
	}, "")
	body := decodeBody(t, w)

	if body["errorCode"] != float64(errCodeWrongRecipient) {
		t.Errorf("errorCode = %v, want %d", body["errorCode"], errCodeWrongRecipient)
	}
}

func TestSubmitNonceInvalidParams(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := submitForm(s, url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {"not-a-number"},
		"nonce":       {"42"},
	}, "")
	body := decodeBody(t, w)

	if body["errorCode"] != float64(errCodeInvalidParam) {
		t.Errorf("errorCode = %v, want %d", body["errorCode"], errCodeInvalidParam)
	}
}

func TestSubmitNonceStaleHeight(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := submitForm(s, url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {"1"},
		"nonce":       {"42"},
		"blockheight": {"999"},
	}, "")
	body := decodeBody(t, w)

	if body["errorCode"] != float64(errCodeRoundUnavailable) {
		t.Errorf("errorCode = %v, want %d", body["errorCode"], errCodeRoundUnavailable)
	}
}

func TestUnknownRequestType(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := doRequest(s, httptest.NewRequest("GET", "/burst?requestType=getPeers", nil))
	body := decodeBody(t, w)

	if body["errorCode"] != float64(errCodeUnknownRequest) {
		t.Errorf("errorCode = %v, want %d", body["errorCode"], errCodeUnknownRequest)
	}
}

func TestGetConfig(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := doRequest(s, httptest.NewRequest("GET", "/api/getConfig", nil))
	body := decodeBody(t, w)

	if body["poolName"] != "Test Pool" {
		t.Errorf("poolName = %v", body["poolName"])
	}
	if body["poolAccountRS"] != burst.AddressFromID(testPoolID).RS() {
		t.Errorf("poolAccountRS = %v", body["poolAccountRS"])
	}
	if body["fee"] != 0.01 {
		t.Errorf("fee = %v", body["fee"])
	}
}

func TestGetCurrentRound(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	w := doRequest(s, httptest.NewRequest("GET", "/api/getCurrentRound", nil))
	body := decodeBody(t, w)

	if uint64(body["height"].(float64)) != 1000 {
		t.Errorf("height = %v, want 1000", body["height"])
	}
	if body["generationSignature"] != util.BytesToHex(testGenSig) {
		t.Errorf("generationSignature = %v", body["generationSignature"])
	}
}

func TestGetMiners(t *testing.T) {
	s, _ := setupServer(t, []uint64{1, 2})

	for _, accountID := range []string{"1", "2"} {
		submitForm(s, url.Values{
			"requestType": {"submitNonce"},
			"accountId":   {accountID},
			"nonce":       {"42"},
		}, "")
	}

	w := doRequest(s, httptest.NewRequest("GET", "/api/getMiners", nil))
	body := decodeBody(t, w)

	if int(body["minerCount"].(float64)) != 2 {
		t.Errorf("minerCount = %v, want 2", body["minerCount"])
	}
	if len(body["miners"].([]interface{})) != 2 {
		t.Errorf("miners = %v", body["miners"])
	}
}

func TestGetMiner(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	submitForm(s, url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {"1"},
		"nonce":       {"42"},
	}, "")

	address := burst.AddressFromID(1).RS()
	w := doRequest(s, httptest.NewRequest("GET", "/api/getMiner/"+address, nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["address"] != address {
		t.Errorf("address = %v, want %s", body["address"], address)
	}

	// Unknown but well-formed account
	w = doRequest(s, httptest.NewRequest("GET", "/api/getMiner/12345", nil))
	if w.Code != 404 {
		t.Errorf("unknown miner status = %d, want 404", w.Code)
	}

	w = doRequest(s, httptest.NewRequest("GET", "/api/getMiner/BURST-NOT-REAL", nil))
	if w.Code != 400 {
		t.Errorf("invalid address status = %d, want 400", w.Code)
	}
}

func TestGetTopMiners(t *testing.T) {
	s, _ := setupServer(t, []uint64{1, 2})

	for _, accountID := range []string{"1", "2"} {
		submitForm(s, url.Values{
			"requestType": {"submitNonce"},
			"accountId":   {accountID},
			"nonce":       {"42"},
		}, "")
	}

	w := doRequest(s, httptest.NewRequest("GET", "/api/getTopMiners", nil))
	body := decodeBody(t, w)

	if len(body["topMiners"].([]interface{})) != 2 {
		t.Errorf("topMiners = %v", body["topMiners"])
	}
	if body["othersShare"] != 0.0 {
		t.Errorf("othersShare = %v, want 0", body["othersShare"])
	}
}

func TestGetWonBlocks(t *testing.T) {
	s, store := setupServer(t, []uint64{1})

	err := store.AddWonBlock(context.Background(), &storage.WonBlock{
		Height:      995,
		BlockID:     555,
		GeneratorID: 1,
		Nonce:       42,
		FullReward:  burst.BurstValue(735),
		Timestamp:   1234567890,
	})
	if err != nil {
		t.Fatalf("failed to add won block: %v", err)
	}

	w := doRequest(s, httptest.NewRequest("GET", "/api/getWonBlocks", nil))
	body := decodeBody(t, w)

	blocks := body["wonBlocks"].([]interface{})
	if len(blocks) != 1 {
		t.Fatalf("wonBlocks = %v", blocks)
	}
	block := blocks[0].(map[string]interface{})
	if block["generatorRS"] != burst.AddressFromID(1).RS() {
		t.Errorf("generatorRS = %v", block["generatorRS"])
	}
	if block["reward"] != 735.0 {
		t.Errorf("reward = %v, want 735", block["reward"])
	}
}

func setMinimumBody(t *testing.T, keys burst.Keys, message string) string {
	t.Helper()
	signature := keys.Sign([]byte(message))
	body, err := json.Marshal(map[string]string{
		"message":   message,
		"publicKey": util.BytesToHex(keys.Public),
		"signature": util.BytesToHex(signature),
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return string(body)
}

func postSetMinimum(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/setMinerMinimumPayout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return doRequest(s, req)
}

func TestSetMinimumPayout(t *testing.T) {
	s, store := setupServer(t, []uint64{1})
	ctx := context.Background()

	keys := burst.KeysFromPassphrase("miner passphrase")
	minerID := keys.Address().ID()
	if _, err := store.GetOrCreateMiner(ctx, minerID); err != nil {
		t.Fatalf("failed to create miner: %v", err)
	}

	message := fmt.Sprintf("%d:%s:%d:%d",
		minerID, burst.AddressFromID(testPoolID).RS(), time.Now().Unix(), burst.BurstValue(250).Planck())

	w := postSetMinimum(s, setMinimumBody(t, keys, message))
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	miner, err := store.Miner(ctx, minerID)
	if err != nil {
		t.Fatalf("failed to get miner: %v", err)
	}
	minimum, custom, err := miner.MinimumPayout(ctx)
	if err != nil {
		t.Fatalf("failed to get minimum payout: %v", err)
	}
	if !custom {
		t.Error("minimum payout should be custom after the update")
	}
	if minimum != burst.BurstValue(250) {
		t.Errorf("minimum = %v, want 250 BURST", minimum)
	}
}

func TestSetMinimumPayoutRejections(t *testing.T) {
	s, store := setupServer(t, []uint64{1})
	ctx := context.Background()

	keys := burst.KeysFromPassphrase("miner passphrase")
	minerID := keys.Address().ID()
	if _, err := store.GetOrCreateMiner(ctx, minerID); err != nil {
		t.Fatalf("failed to create miner: %v", err)
	}

	poolRS := burst.AddressFromID(testPoolID).RS()
	now := time.Now().Unix()

	tests := []struct {
		name string
		body string
		want int
	}{
		{
			name: "expired message",
			body: setMinimumBody(t, keys, fmt.Sprintf("%d:%s:%d:%d",
				minerID, poolRS, now-7200, burst.BurstValue(250).Planck())),
			want: 400,
		},
		{
			name: "below floor",
			body: setMinimumBody(t, keys, fmt.Sprintf("%d:%s:%d:%d",
				minerID, poolRS, now, burst.BurstValue(5).Planck())),
			want: 400,
		},
		{
			name: "wrong pool address",
			body: setMinimumBody(t, keys, fmt.Sprintf("%d:%s:%d:%d",
				minerID, burst.AddressFromID(9999).RS(), now, burst.BurstValue(250).Planck())),
			want: 400,
		},
		{
			name: "missing amount field",
			body: setMinimumBody(t, keys, fmt.Sprintf("%d:%s:%d", minerID, poolRS, now)),
			want: 400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postSetMinimum(s, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	// Signature produced by a different key.
	otherKeys := burst.KeysFromPassphrase("other passphrase")
	message := fmt.Sprintf("%d:%s:%d:%d", minerID, poolRS, now, burst.BurstValue(250).Planck())
	signature := otherKeys.Sign([]byte(message))
	body, _ := json.Marshal(map[string]string{
		"message":   message,
		"publicKey": util.BytesToHex(keys.Public),
		"signature": util.BytesToHex(signature),
	})
	if w := postSetMinimum(s, string(body)); w.Code != 400 {
		t.Errorf("forged signature status = %d, want 400", w.Code)
	}

	// Valid signature from a key that does not own the account.
	if w := postSetMinimum(s, setMinimumBody(t, otherKeys, message)); w.Code != 400 {
		t.Errorf("mismatched key status = %d, want 400", w.Code)
	}
}

func TestRoundFeed(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	server := httptest.NewServer(s.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/round"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// The current round arrives immediately on connect.
	var status pool.Status
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("failed to read initial round: %v", err)
	}
	if status.Height != 1000 {
		t.Errorf("initial height = %d, want 1000", status.Height)
	}

	s.BroadcastRound(pool.Status{Height: 1001, BaseTarget: 70000})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("failed to read broadcast round: %v", err)
	}
	if status.Height != 1001 {
		t.Errorf("broadcast height = %d, want 1001", status.Height)
	}
}

func TestCORSHeaders(t *testing.T) {
	s, _ := setupServer(t, []uint64{1})

	req := httptest.NewRequest("OPTIONS", "/api/getConfig", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	w := doRequest(s, req)

	if w.Code != 204 {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q, want *", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
