package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per title.
var discordColors = map[string]int{
	"Item listed":        0x3498db,
	"Item bought":        0x2ecc71,
	"Listing cancelled":  0x95a5a6,
	"Listing updated":    0xf1c40f,
	"Proceeds withdrawn": 0x9b59b6,
}

// DiscordSender posts embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for a webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultHTTPClient()}
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color,omitempty"`
	Fields []discordField `json:"fields"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Send delivers msg as a single embed.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{Title: msg.Title, Color: discordColors[msg.Title]}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value, Inline: f.Name == "Price" || f.Name == "Amount"})
	}

	// Discord answers 204 on success.
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]any{"embeds": []discordEmbed{embed}}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
