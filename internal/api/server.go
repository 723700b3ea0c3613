// Package api provides the pool's HTTP surface: the Burst mining
// protocol endpoint, the dashboard JSON API and the live round feed.
package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miners"
	"github.com/burst-apps-team/burstpool/internal/newrelic"
	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// setMinimumExpiry bounds how old a signed minimum-payout message may
// be before it is rejected as a replay.
const setMinimumExpiry = time.Hour

// Server is the API server.
type Server struct {
	cfg     *config.Config
	store   *storage.RedisStore
	tracker *miners.Tracker
	pool    *pool.Controller
	agent   *newrelic.Agent

	poolAddress burst.Address

	router *gin.Engine
	server *http.Server
	hub    *roundHub

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *MinersResponse
	statsCacheTime time.Time
}

// MinersResponse is the /api/getMiners response.
type MinersResponse struct {
	Miners          []miners.Stats `json:"miners"`
	PoolCapacityTiB float64        `json:"poolCapacityTiB"`
	MinerCount      int            `json:"minerCount"`
}

// TopMinersResponse is the /api/getTopMiners response. OthersShare is
// the combined share of everyone outside the top list, so a pie chart
// always sums to 1.
type TopMinersResponse struct {
	TopMiners   []miners.Stats `json:"topMiners"`
	OthersShare float64        `json:"othersShare"`
}

// WonBlockResponse is a block in the /api/getWonBlocks list.
type WonBlockResponse struct {
	Height      uint64  `json:"height"`
	BlockID     string  `json:"blockID"`
	GeneratorID string  `json:"generatorID"`
	GeneratorRS string  `json:"generatorRS"`
	RewardBurst float64 `json:"reward"`
	Timestamp   int64   `json:"timestamp"`
}

// NewServer creates the API server. agent may be nil when APM is
// disabled.
func NewServer(cfg *config.Config, store *storage.RedisStore, tracker *miners.Tracker, controller *pool.Controller, poolID uint64, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		store:       store,
		tracker:     tracker,
		pool:        controller,
		agent:       agent,
		poolAddress: burst.AddressFromID(poolID),
		router:      router,
		hub:         newRoundHub(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints.
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())
	if s.agent != nil {
		s.router.Use(s.apmMiddleware())
	}

	// Burst mining protocol. Miners submit with both verbs.
	s.router.GET("/burst", s.handleBurst)
	s.router.POST("/burst", s.handleBurst)

	api := s.router.Group("/api")
	{
		api.GET("/getConfig", s.handleGetConfig)
		api.GET("/getCurrentRound", s.handleGetCurrentRound)
		api.GET("/getMiners", s.handleGetMiners)
		api.GET("/getMiner/:address", s.handleGetMiner)
		api.GET("/getTopMiners", s.handleGetTopMiners)
		api.GET("/getWonBlocks", s.handleGetWonBlocks)
		api.GET("/getSetMinimumMessage", s.handleGetSetMinimumMessage)
		api.POST("/setMinerMinimumPayout", s.handleSetMinimumPayout)
	}

	// Live round feed
	s.router.GET("/ws/round", s.handleRoundFeed)

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := len(s.cfg.API.CORSOrigins) == 0
	allowed := make(map[string]bool, len(s.cfg.API.CORSOrigins))
	for _, origin := range s.cfg.API.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Miner")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// apmMiddleware wraps each request in a New Relic transaction.
func (s *Server) apmMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := s.agent.StartTransaction(c.Request.Method + " " + c.FullPath())
		if txn == nil {
			c.Next()
			return
		}
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(s.agent.NewContext(c.Request.Context(), txn))

		c.Next()

		for _, ginErr := range c.Errors {
			txn.NoticeError(ginErr.Err)
		}
	}
}

// Start begins the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	s.hub.closeAll()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// BroadcastRound pushes a round snapshot to the live feed. Wire it to
// the controller's round-change hook.
func (s *Server) BroadcastRound(status pool.Status) {
	s.hub.broadcast(status)
}

// handleGetConfig returns the public pool parameters.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(200, gin.H{
		"poolName":                 s.cfg.Pool.Name,
		"poolAccount":              s.poolAddress.NumericID(),
		"poolAccountRS":            s.poolAddress.RS(),
		"fee":                      s.cfg.Pool.Fee,
		"winnerReward":             s.cfg.Pool.WinnerReward,
		"nAvg":                     s.cfg.Rounds.NAvg,
		"nMin":                     s.cfg.Rounds.NMin,
		"maxDeadline":              s.cfg.Rounds.MaxDeadline,
		"processLag":               s.cfg.Rounds.ProcessLag,
		"defaultMinimumPayout":     burst.BurstValue(s.cfg.Payouts.DefaultMinimumPayout).Planck(),
		"minimumMinimumPayout":     burst.BurstValue(s.cfg.Payouts.MinimumMinimumPayout).Planck(),
		"minPayoutsPerTransaction": s.cfg.Payouts.MinPayoutsPerTransaction,
		"transactionFee":           burst.BurstValue(s.cfg.Payouts.TransactionFee).Planck(),
	})
}

// handleGetCurrentRound returns the active round snapshot.
func (s *Server) handleGetCurrentRound(c *gin.Context) {
	status, err := s.pool.CurrentRound()
	if err != nil {
		c.JSON(503, gin.H{"error": "No active round"})
		return
	}
	c.JSON(200, status)
}

// minersSnapshot returns the cached miner list, refreshing it when the
// cache window has elapsed. Recomputing the full list walks every
// miner hash, so submissions-heavy pools lean on this cache hard.
func (s *Server) minersSnapshot(c *gin.Context) (*MinersResponse, error) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		return cache, nil
	}
	s.statsCacheMu.RUnlock()

	stats, err := s.tracker.AllMinerStats(c.Request.Context(), s.store)
	if err != nil {
		return nil, err
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].EstimatedCapacity > stats[j].EstimatedCapacity
	})

	total := 0.0
	for _, m := range stats {
		total += m.EstimatedCapacity
	}

	response := &MinersResponse{
		Miners:          stats,
		PoolCapacityTiB: total,
		MinerCount:      len(stats),
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	return response, nil
}

// handleGetMiners returns all miners sorted by capacity.
func (s *Server) handleGetMiners(c *gin.Context) {
	snapshot, err := s.minersSnapshot(c)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get miners"})
		return
	}
	c.JSON(200, snapshot)
}

// handleGetMiner returns one miner's statistics. The address is
// accepted in numeric or BURST-RS form.
func (s *Server) handleGetMiner(c *gin.Context) {
	address, err := burst.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}

	stats, err := s.tracker.MinerStats(c.Request.Context(), s.store, address.ID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(404, gin.H{"error": "Miner not found"})
			return
		}
		c.JSON(500, gin.H{"error": "Failed to get miner"})
		return
	}

	c.JSON(200, stats)
}

// handleGetTopMiners returns the ten largest miners by share plus the
// combined share of everyone else.
func (s *Server) handleGetTopMiners(c *gin.Context) {
	snapshot, err := s.minersSnapshot(c)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get miners"})
		return
	}

	top := snapshot.Miners
	if len(top) > 10 {
		top = top[:10]
	}

	topShare := 0.0
	for _, m := range top {
		topShare += m.Share
	}
	othersShare := 1.0 - topShare
	if othersShare < 0 || len(snapshot.Miners) == len(top) {
		othersShare = 0
	}

	c.JSON(200, TopMinersResponse{
		TopMiners:   top,
		OthersShare: othersShare,
	})
}

// handleGetWonBlocks returns the most recently won blocks.
func (s *Server) handleGetWonBlocks(c *gin.Context) {
	blocks, err := s.store.WonBlocks(c.Request.Context(), 100)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get won blocks"})
		return
	}

	response := make([]WonBlockResponse, 0, len(blocks))
	for _, block := range blocks {
		generator := burst.AddressFromID(block.GeneratorID)
		response = append(response, WonBlockResponse{
			Height:      block.Height,
			BlockID:     strconvUint(block.BlockID),
			GeneratorID: generator.NumericID(),
			GeneratorRS: generator.RS(),
			RewardBurst: block.FullReward.Burst(),
			Timestamp:   block.Timestamp,
		})
	}

	c.JSON(200, gin.H{"wonBlocks": response})
}

// handleGetSetMinimumMessage describes the message a miner signs to
// change their minimum payout.
func (s *Server) handleGetSetMinimumMessage(c *gin.Context) {
	c.JSON(200, gin.H{
		"format":      "<numericAccountId>:<poolAddress>:<unixTimestamp>:<minimumPlanck>",
		"poolAddress": s.poolAddress.RS(),
		"timestamp":   time.Now().Unix(),
	})
}

// setMinimumRequest is the POST /api/setMinerMinimumPayout body.
type setMinimumRequest struct {
	Message   string `json:"message" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// handleSetMinimumPayout applies a signed minimum-payout change. The
// message is "accountId:poolAddress:timestamp:minimumPlanck" signed
// with the account's key, so only the plot owner can change it.
func (s *Server) handleSetMinimumPayout(c *gin.Context) {
	var req setMinimumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "message, publicKey and signature are required"})
		return
	}

	parts := strings.Split(req.Message, ":")
	if len(parts) != 4 {
		c.JSON(400, gin.H{"error": "Message must have four colon-separated fields"})
		return
	}

	address, err := burst.ParseAddress(parts[0])
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid account in message"})
		return
	}

	if parts[1] != s.poolAddress.RS() && parts[1] != s.poolAddress.NumericID() {
		c.JSON(400, gin.H{"error": "Message is not addressed to this pool"})
		return
	}

	timestamp, err := parseInt64(parts[2])
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid timestamp in message"})
		return
	}
	if time.Since(time.Unix(timestamp, 0)) > setMinimumExpiry {
		c.JSON(400, gin.H{"error": "Message has expired"})
		return
	}

	minimum, err := burst.ParsePlanck(parts[3])
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid minimum payout in message"})
		return
	}
	floor := burst.BurstValue(s.cfg.Payouts.MinimumMinimumPayout)
	if minimum < floor {
		c.JSON(400, gin.H{"error": "Minimum payout is below the pool's floor of " + floor.String()})
		return
	}

	publicKey, err := util.HexToBytes(req.PublicKey)
	if err != nil || len(publicKey) != 32 {
		c.JSON(400, gin.H{"error": "Public key must be 32 hex-encoded bytes"})
		return
	}
	signature, err := util.HexToBytes(req.Signature)
	if err != nil || len(signature) != 64 {
		c.JSON(400, gin.H{"error": "Signature must be 64 hex-encoded bytes"})
		return
	}

	if burst.AccountIDFromPublicKey(publicKey) != address.ID() {
		c.JSON(400, gin.H{"error": "Public key does not match the account"})
		return
	}
	if !burst.Verify(publicKey, []byte(req.Message), signature) {
		c.JSON(400, gin.H{"error": "Invalid signature"})
		return
	}

	miner, err := s.store.Miner(c.Request.Context(), address.ID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(404, gin.H{"error": "Miner not found"})
			return
		}
		c.JSON(500, gin.H{"error": "Failed to get miner"})
		return
	}

	if err := miner.SetMinimumPayout(c.Request.Context(), minimum); err != nil {
		c.JSON(500, gin.H{"error": "Failed to store minimum payout"})
		return
	}

	util.Infof("Miner %s set minimum payout to %s", address.RS(), minimum)
	c.JSON(200, gin.H{"status": "ok", "minimumPayout": minimum.Planck()})
}
