package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordLimit is Discord's maximum message length in characters.
const discordLimit = 2000

// Discord posts to one channel over the REST API. No gateway connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscord creates a sender for channelID.
func NewDiscord(token, channelID string) (*Discord, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord: token and channel id are required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, text string) error {
	if r := []rune(text); len(r) > discordLimit {
		text = string(r[:discordLimit-3]) + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

var _ Sender = (*Discord)(nil)
