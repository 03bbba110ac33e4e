// Package telegram delivers records to Telegram chats and handles the
// subscription commands users send to the bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// captionLimit is the Bot API cap on media captions, in characters.
const captionLimit = 1024

// Sender is the subset of *bot.Bot the deliverer calls.
type Sender interface {
	SendVideo(ctx context.Context, params *bot.SendVideoParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Config holds bot connection settings.
type Config struct {
	Token string
	// ServerURL overrides the Bot API endpoint.
	ServerURL string
	Timeout   time.Duration
}

// NewBot builds a bot client without the startup getMe round trip.
func NewBot(cfg Config, opts ...bot.Option) (*bot.Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	all := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, &http.Client{Timeout: timeout + 10*time.Second}),
	}
	if cfg.ServerURL != "" {
		all = append(all, bot.WithServerURL(strings.TrimRight(cfg.ServerURL, "/")))
	}
	all = append(all, opts...)
	b, err := bot.New(cfg.Token, all...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return b, nil
}

// Deliverer implements crawler.Deliverer on top of the Bot API. It tries the
// preview video first, then the cover photo, then plain text.
type Deliverer struct {
	sender Sender
	logger *zap.Logger
}

// NewDeliverer wraps sender.
func NewDeliverer(sender Sender, logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{sender: sender, logger: logger.Named("telegram")}
}

// Send implements crawler.Deliverer.
func (d *Deliverer) Send(ctx context.Context, destination string, rec crawler.Record) error {
	chatID, err := ParseChatID(destination)
	if err != nil {
		return err
	}
	caption := FormatCaption(rec)
	logger := d.logger.With(zap.String("destination", destination), zap.String("code", rec.Code))

	if rec.PreviewURL != "" {
		_, err := d.sender.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:    chatID,
			Video:     &models.InputFileString{Data: rec.PreviewURL},
			Caption:   caption,
			ParseMode: models.ParseModeMarkdown,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("video send failed; trying photo", zap.Error(err))
	}

	if rec.CoverURL != "" {
		_, err := d.sender.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:    chatID,
			Photo:     &models.InputFileString{Data: rec.CoverURL},
			Caption:   caption,
			ParseMode: models.ParseModeMarkdown,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("photo send failed; sending text", zap.Error(err))
	}

	if _, err := d.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      caption,
		ParseMode: models.ParseModeMarkdown,
	}); err != nil {
		return fmt.Errorf("send message to %s: %w", destination, err)
	}
	return nil
}

// ParseChatID accepts a numeric chat id or an @channel username.
func ParseChatID(destination string) (any, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.New("telegram: empty destination")
	}
	if strings.HasPrefix(destination, "@") {
		if len(destination) == 1 {
			return nil, fmt.Errorf("telegram: invalid channel %q", destination)
		}
		return destination, nil
	}
	id, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", destination, err)
	}
	return id, nil
}

// FormatCaption renders rec as a MarkdownV2 message.
func FormatCaption(rec crawler.Record) string {
	var sb strings.Builder
	sb.WriteString("🎬 *New release*\n\n")
	sb.WriteString("📌 Code: `" + bot.EscapeMarkdown(rec.Code) + "`\n")
	if rec.Title != "" {
		sb.WriteString("📝 " + bot.EscapeMarkdown(rec.Title) + "\n")
	}
	if authors := rec.AuthorList(); len(authors) > 0 {
		sb.WriteString("👤 Authors: " + bot.EscapeMarkdown(strings.Join(authors, ", ")) + "\n")
	}
	if tags := rec.TagList(); len(tags) > 0 {
		hashed := make([]string, len(tags))
		for i, tag := range tags {
			hashed[i] = "\\#" + bot.EscapeMarkdown(strings.ReplaceAll(tag, " ", "_"))
		}
		sb.WriteString("🏷 Tags: " + strings.Join(hashed, " ") + "\n")
	}
	if rec.DurationMinutes != nil {
		sb.WriteString("⏱ Duration: " + strconv.Itoa(*rec.DurationMinutes) + " min\n")
	}
	if rec.DetailURL != "" {
		sb.WriteString("\n🔗 " + bot.EscapeMarkdown(rec.DetailURL))
	}
	return truncateRunes(sb.String(), captionLimit)
}

// truncateRunes cuts s to at most n runes without leaving a dangling escape.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	runes = runes[:n]
	if runes[len(runes)-1] == '\\' {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
