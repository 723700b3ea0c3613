package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/pool"
)

// BRS-compatible error codes for the mining protocol. Mining software
// matches on these numerically.
const (
	errCodeInternal         = 1000
	errCodeInvalidParam     = 1001
	errCodeUnknownRequest   = 1002
	errCodeWrongRecipient   = 1004
	errCodeRoundUnavailable = 1005
	errCodeDeadlineTooHigh  = 1008
)

// handleBurst serves the wallet-compatible mining endpoint. Miners talk
// to the pool exactly as they would to a node, so requestType routes
// the call and errors come back in node form.
func (s *Server) handleBurst(c *gin.Context) {
	switch burstParam(c, "requestType") {
	case "getMiningInfo":
		s.handleGetMiningInfo(c)
	case "submitNonce":
		s.handleSubmitNonce(c)
	default:
		protocolError(c, errCodeUnknownRequest, "Unknown request type")
	}
}

// handleGetMiningInfo mirrors the node's getMiningInfo response, with
// the pool's target deadline appended. BRS emits numeric fields as
// strings here and miners parse them that way.
func (s *Server) handleGetMiningInfo(c *gin.Context) {
	status, err := s.pool.CurrentRound()
	if err != nil {
		protocolError(c, errCodeRoundUnavailable, "Pool has no mining info yet")
		return
	}

	c.JSON(200, gin.H{
		"generationSignature": status.GenerationSignature,
		"baseTarget":          strconvUint(status.BaseTarget),
		"height":              strconvUint(status.Height),
		"targetDeadline":      strconvUint(status.TargetDeadline),
	})
}

// handleSubmitNonce validates and records a nonce submission, returning
// the server-computed deadline.
func (s *Server) handleSubmitNonce(c *gin.Context) {
	accountID, err := strconv.ParseUint(burstParam(c, "accountId"), 10, 64)
	if err != nil {
		protocolError(c, errCodeInvalidParam, "Invalid accountId")
		return
	}
	nonce, err := strconv.ParseUint(burstParam(c, "nonce"), 10, 64)
	if err != nil {
		protocolError(c, errCodeInvalidParam, "Invalid nonce")
		return
	}

	// Optional: miners that pass blockheight expect rejection when
	// their info is stale.
	if raw := burstParam(c, "blockheight"); raw != "" {
		height, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			protocolError(c, errCodeInvalidParam, "Invalid blockheight")
			return
		}
		status, roundErr := s.pool.CurrentRound()
		if roundErr != nil || status.Height != height {
			protocolError(c, errCodeRoundUnavailable, "Submitted for a different round")
			return
		}
	}

	userAgent := c.GetHeader("X-Miner")
	if userAgent == "" {
		userAgent = c.GetHeader("User-Agent")
	}

	deadline, err := s.pool.SubmitNonce(c.Request.Context(), accountID, nonce, userAgent)
	if s.agent != nil {
		var height uint64
		if status, roundErr := s.pool.CurrentRound(); roundErr == nil {
			height = status.Height
		}
		s.agent.RecordNonceSubmission(burst.AddressFromID(accountID).RS(), height, deadline, err == nil)
	}
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrUnknownRecipient):
			protocolError(c, errCodeWrongRecipient, "Account's reward recipient is not the pool")
		case errors.Is(err, pool.ErrNoRound), errors.Is(err, pool.ErrRoundTransition):
			protocolError(c, errCodeRoundUnavailable, "Pool is switching rounds, submit again")
		case errors.Is(err, pool.ErrDeadlineTooHigh):
			protocolError(c, errCodeDeadlineTooHigh, "Deadline exceeds the pool maximum")
		default:
			protocolError(c, errCodeInternal, "Submission failed, try again")
		}
		return
	}

	c.JSON(200, gin.H{
		"result":   "success",
		"deadline": deadline,
	})
}

// burstParam reads a protocol parameter from the query string or the
// POST form; miners use both.
func burstParam(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}

// protocolError answers in the node's error shape. Mining clients
// treat any 200 with errorCode as a rejection, so the status stays 200.
func protocolError(c *gin.Context, code int, description string) {
	c.JSON(200, gin.H{
		"errorCode":        code,
		"errorDescription": description,
	})
}

func strconvUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
