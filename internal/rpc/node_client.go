// Package rpc provides Burst node communication with multi-node failover.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/burst-apps-team/burstpool/internal/util"
)

// NodeClient handles communication with one Burst node over its HTTP API.
type NodeClient struct {
	url     string
	timeout time.Duration
	client  *http.Client

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewNodeClient creates a client for a Burst node base URL.
func NewNodeClient(nodeURL string, timeout time.Duration) *NodeClient {
	return &NodeClient{
		url:     strings.TrimRight(nodeURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// URL returns the node's base URL.
func (c *NodeClient) URL() string {
	return c.url
}

// APIError is an error response from the node.
type APIError struct {
	Code        int    `json:"errorCode"`
	Description string `json:"errorDescription"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Description)
}

// MiningInfo is the current round's mining parameters.
type MiningInfo struct {
	GenerationSignature string `json:"generationSignature"`
	BaseTarget          uint64 `json:"baseTarget,string"`
	Height              uint64 `json:"height,string"`
}

// BlockInfo describes one block of the chain.
type BlockInfo struct {
	BlockID             uint64 `json:"block,string"`
	Height              uint64 `json:"height"`
	GeneratorID         uint64 `json:"generator,string"`
	Nonce               uint64 `json:"nonce,string"`
	BaseTarget          uint64 `json:"baseTarget,string"`
	GenerationSignature string `json:"generationSignature"`
	// BlockReward is in whole BURST, as the node reports it;
	// TotalFeePlanck is in planck.
	BlockReward    uint64 `json:"blockReward,string"`
	TotalFeePlanck int64  `json:"totalFeeNQT,string"`
	Timestamp      int64  `json:"timestamp"`
}

// AccountInfo describes an account.
type AccountInfo struct {
	AccountID uint64 `json:"account,string"`
	Name      string `json:"name"`
}

// SubmitNonceResult is the node's verdict on a forwarded nonce.
type SubmitNonceResult struct {
	Result   string `json:"result"`
	Deadline uint64 `json:"deadline"`
}

// UnsignedTransaction carries transaction bytes the pool still has to sign.
type UnsignedTransaction struct {
	UnsignedTransactionBytes string `json:"unsignedTransactionBytes"`
}

// BroadcastResult is the node's answer to a broadcast.
type BroadcastResult struct {
	TransactionID uint64 `json:"transaction,string"`
	FullHash      string `json:"fullHash"`
}

// call performs one API request. The node accepts every request as a
// form POST to /burst with the requestType parameter.
func (c *NodeClient) call(ctx context.Context, requestType string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("requestType", requestType)

	endpoint := c.url + "/burst"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return err
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Description != "" {
		// The node answered, so the node itself is fine.
		c.recordSuccess()
		return &apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.recordFailure()
		return fmt.Errorf("malformed %s response: %w", requestType, err)
	}

	c.recordSuccess()
	return nil
}

// recordSuccess records a successful API call
func (c *NodeClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed API call
func (c *NodeClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("Burst node %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the node is healthy
func (c *NodeClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetMiningInfo returns the mining parameters of the round being forged.
func (c *NodeClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	var info MiningInfo
	if err := c.call(ctx, "getMiningInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlock returns the block at a height.
func (c *NodeClient) GetBlock(ctx context.Context, height uint64) (*BlockInfo, error) {
	params := url.Values{}
	params.Set("height", fmt.Sprintf("%d", height))
	var block BlockInfo
	if err := c.call(ctx, "getBlock", params, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// SubmitNonce forwards a nonce to the node on behalf of a miner whose
// reward recipient is the pool account.
func (c *NodeClient) SubmitNonce(ctx context.Context, secretPhrase string, nonce, accountID uint64) (*SubmitNonceResult, error) {
	params := url.Values{}
	params.Set("secretPhrase", secretPhrase)
	params.Set("nonce", fmt.Sprintf("%d", nonce))
	params.Set("accountId", fmt.Sprintf("%d", accountID))
	var result SubmitNonceResult
	if err := c.call(ctx, "submitNonce", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAccountsWithRewardRecipient returns the ids of every account that
// assigned its block rewards to the given account.
func (c *NodeClient) GetAccountsWithRewardRecipient(ctx context.Context, accountID uint64) ([]uint64, error) {
	params := url.Values{}
	params.Set("account", fmt.Sprintf("%d", accountID))
	var resp struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.call(ctx, "getAccountsWithRewardRecipient", params, &resp); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		var id uint64
		if _, err := fmt.Sscanf(a, "%d", &id); err != nil {
			util.Warnf("Skipping malformed reward recipient account %q", a)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetAccount returns an account's public information.
func (c *NodeClient) GetAccount(ctx context.Context, accountID uint64) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("account", fmt.Sprintf("%d", accountID))
	var account AccountInfo
	if err := c.call(ctx, "getAccount", params, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateMultiOut asks the node to assemble an unsigned multi-out
// payment. recipients maps account id to amount in planck; fee and
// deadline follow the node's conventions (planck, minutes).
func (c *NodeClient) CreateMultiOut(ctx context.Context, publicKeyHex string, recipients map[uint64]int64, feePlanck int64, deadline uint64) ([]byte, error) {
	entries := make([]string, 0, len(recipients))
	for id, amount := range recipients {
		entries = append(entries, fmt.Sprintf("%d:%d", id, amount))
	}

	params := url.Values{}
	params.Set("publicKey", publicKeyHex)
	params.Set("recipients", strings.Join(entries, ";"))
	params.Set("feeNQT", fmt.Sprintf("%d", feePlanck))
	params.Set("deadline", fmt.Sprintf("%d", deadline))
	params.Set("broadcast", "false")

	var tx UnsignedTransaction
	if err := c.call(ctx, "sendMoneyMulti", params, &tx); err != nil {
		return nil, err
	}
	unsigned, err := util.HexToBytes(tx.UnsignedTransactionBytes)
	if err != nil {
		return nil, fmt.Errorf("malformed unsigned transaction bytes: %w", err)
	}
	return unsigned, nil
}

// BroadcastTransaction submits signed transaction bytes to the network.
func (c *NodeClient) BroadcastTransaction(ctx context.Context, signed []byte) (*BroadcastResult, error) {
	params := url.Values{}
	params.Set("transactionBytes", util.BytesToHex(signed))
	var result BroadcastResult
	if err := c.call(ctx, "broadcastTransaction", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
