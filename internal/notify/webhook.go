// Package notify sends pool event notifications to Discord and
// Telegram webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg      *config.NotifyConfig
	poolName string
	client   *http.Client

	// telegramAPI is swapped out in tests.
	telegramAPI string
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: "https://api.telegram.org",
	}
}

// BlockWon sends notifications when the pool forges a block.
func (n *Notifier) BlockWon(block *storage.WonBlock) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordWebhook != "" {
		go n.sendDiscordBlockWon(block)
	}
	if n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != "" {
		go n.sendTelegramBlockWon(block)
	}
}

// PayoutSent sends notifications when a payout transaction is
// broadcast.
func (n *Notifier) PayoutSent(payout *storage.Payout) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordWebhook != "" {
		go n.sendDiscordPayout(payout)
	}
	if n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != "" {
		go n.sendTelegramPayout(payout)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordBlockWon(block *storage.WonBlock) {
	winner := burst.AddressFromID(block.GeneratorID).RS()

	embed := DiscordEmbed{
		Title:       "Block Won!",
		Description: fmt.Sprintf("**%s** forged a new block!", n.poolName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", block.Height), Inline: true},
			{Name: "Reward", Value: fmt.Sprintf("%.2f BURST", block.FullReward.Burst()), Inline: true},
			{Name: "Winner", Value: winner, Inline: true},
			{Name: "Block", Value: fmt.Sprintf("%d", block.BlockID), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordPayout(payout *storage.Payout) {
	var total burst.Value
	for _, r := range payout.Recipients {
		total = total.Add(r.Amount)
	}

	embed := DiscordEmbed{
		Title:       "Payout Sent",
		Description: fmt.Sprintf("**%s** has paid its miners", n.poolName),
		Color:       0x0099FF, // Blue
		Fields: []DiscordField{
			{Name: "Total Paid", Value: fmt.Sprintf("%.2f BURST", total.Burst()), Inline: true},
			{Name: "Recipients", Value: fmt.Sprintf("%d", len(payout.Recipients)), Inline: true},
			{Name: "Transaction", Value: fmt.Sprintf("%d", payout.TransactionID), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage sends a message to the Discord webhook with
// exponential backoff retry.
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordWebhook, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramBlockWon(block *storage.WonBlock) {
	text := fmt.Sprintf(
		"*Block Won!*\n\n"+
			"Height: `%d`\n"+
			"Reward: `%.2f BURST`\n"+
			"Winner: `%s`",
		block.Height, block.FullReward.Burst(),
		burst.AddressFromID(block.GeneratorID).RS(),
	)

	n.sendTelegramMessage(text)
}

func (n *Notifier) sendTelegramPayout(payout *storage.Payout) {
	var total burst.Value
	for _, r := range payout.Recipients {
		total = total.Add(r.Amount)
	}

	text := fmt.Sprintf(
		"*Payout Sent*\n\n"+
			"Total Paid: `%.2f BURST`\n"+
			"Recipients: `%d`\n"+
			"Transaction: `%d`",
		total.Burst(), len(payout.Recipients), payout.TransactionID,
	)

	n.sendTelegramMessage(text)
}

// sendTelegramMessage sends a message via the Telegram Bot API with
// exponential backoff retry.
func (n *Notifier) sendTelegramMessage(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBotToken)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChatID,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}
