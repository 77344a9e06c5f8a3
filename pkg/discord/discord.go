// Package discord connects pingme to a Discord bot. Outbound it implements
// the dispatcher's Notifier by sending a DM to the configured user; inbound
// it forwards DM replies and button clicks to the reply router.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"pingme/pkg/protocol"
	"pingme/pkg/router"
)

// answeredReaction marks a DM reply that was recorded as an answer.
const answeredReaction = "✅"

// Router is the subset of *router.Router the adapter feeds.
type Router interface {
	HandleReply(ctx context.Context, m router.Reply) (router.Result, bool)
	HandleButton(ctx context.Context, click router.ButtonClick) (router.Result, bool)
}

// discordAPI is the subset of *discordgo.Session used by the adapter.
type discordAPI interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Config holds the bot credentials and the single user it talks to.
type Config struct {
	Token  string
	UserID string
}

// Adapter owns the Discord session.
type Adapter struct {
	cfg     Config
	session *discordgo.Session
	api     discordAPI
	logger  *slog.Logger

	mu        sync.Mutex
	router    Router
	dmChannel string
	ctx       context.Context //nolint:containedctx // handler callbacks carry no context of their own
}

// New creates an adapter. The gateway is not contacted until Open.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, &protocol.ConfigError{Field: "discord.token", Reason: "bot token is empty"}
	}
	if cfg.UserID == "" {
		return nil, &protocol.ConfigError{Field: "discord.user_id", Reason: "user id is empty"}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	a := &Adapter{cfg: cfg, session: s, api: s, logger: logger, ctx: context.Background()}
	s.AddHandler(a.onMessageCreate)
	s.AddHandler(a.onInteractionCreate)
	return a, nil
}

// SetRouter installs the inbound handler. Events that arrive before a
// router is set are dropped.
func (a *Adapter) SetRouter(r Router) {
	a.mu.Lock()
	a.router = r
	a.mu.Unlock()
}

// Open connects to the gateway. ctx is handed to inbound handlers.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.logger.Info("discord connected", "user", a.cfg.UserID)
	return nil
}

// Close disconnects from the gateway.
func (a *Adapter) Close() error {
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

// Deliver sends req as a DM and returns the Discord message id.
func (a *Adapter) Deliver(ctx context.Context, req *protocol.Request) (string, error) {
	channelID, err := a.channel(ctx)
	if err != nil {
		return "", err
	}
	msg, err := a.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    FormatMessage(req),
		Components: buttons(req),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send dm: %w", err)
	}
	if msg == nil || msg.ID == "" {
		return "", errors.New("send dm: discord returned no message id")
	}
	a.logger.Debug("dm delivered", "request", req.ID, "message", msg.ID)
	return msg.ID, nil
}

// channel returns the cached DM channel id, creating it on first use.
func (a *Adapter) channel(ctx context.Context) (string, error) {
	a.mu.Lock()
	id := a.dmChannel
	a.mu.Unlock()
	if id != "" {
		return id, nil
	}

	ch, err := a.api.UserChannelCreate(a.cfg.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("open dm channel: %w", err)
	}
	a.mu.Lock()
	a.dmChannel = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

func (a *Adapter) state() (context.Context, Router) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.router
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.handleMessage(m.Message)
}

func (a *Adapter) handleMessage(m *discordgo.Message) {
	if m == nil || m.GuildID != "" || m.Author == nil || m.Author.Bot {
		return
	}
	if m.MessageReference == nil || m.MessageReference.MessageID == "" {
		return
	}
	ctx, r := a.state()
	if r == nil {
		return
	}

	res, ok := r.HandleReply(ctx, router.Reply{
		AuthorID:            m.Author.ID,
		ReferencedMessageID: m.MessageReference.MessageID,
		Content:             m.Content,
	})
	if !ok && !res.Status.Terminal() {
		return
	}
	if ok {
		if err := a.api.MessageReactionAdd(m.ChannelID, m.ID, answeredReaction, discordgo.WithContext(ctx)); err != nil {
			a.logger.Warn("react to answer", "request", res.RequestID, "error", err)
		}
	}

	// Retire the buttons on the question now that it is settled.
	edit := discordgo.NewMessageEdit(m.ChannelID, m.MessageReference.MessageID)
	if q := m.ReferencedMessage; q != nil {
		edit.SetContent(SettledMessage(q.Content, res.Status, res.Answer))
	}
	edit.Components = &[]discordgo.MessageComponent{}
	if _, err := a.api.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		a.logger.Warn("mark question settled", "request", res.RequestID, "error", err)
	}
}

func (a *Adapter) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	a.handleInteraction(i.Interaction)
}

func (a *Adapter) handleInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	ctx, r := a.state()

	var userID string
	switch {
	case i.User != nil:
		userID = i.User.ID
	case i.Member != nil && i.Member.User != nil:
		userID = i.Member.User.ID
	}

	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if r != nil && userID != "" {
		res, ok := r.HandleButton(ctx, router.ButtonClick{
			UserID:   userID,
			CustomID: i.MessageComponentData().CustomID,
		})
		// A click on an already settled request still strips the buttons.
		if ok || res.Status.Terminal() {
			var original string
			if i.Message != nil {
				original = i.Message.Content
			}
			content := SettledMessage(original, res.Status, res.Answer)
			resp = &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Content:    content,
					Components: []discordgo.MessageComponent{},
				},
			}
		}
	}

	if err := a.api.InteractionRespond(i, resp, discordgo.WithContext(ctx)); err != nil {
		a.logger.Warn("respond to interaction", "error", err)
	}
}
