package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// Subscriptions is the subscription service the commands drive.
type Subscriptions interface {
	Subscribe(
		ctx context.Context,
		destination string,
		destKind crawler.DestinationKind,
		kind crawler.SubscriptionKind,
		keyword string,
	) (crawler.Subscription, bool, error)
	Unsubscribe(ctx context.Context, destination string, kind crawler.SubscriptionKind, keyword string) (bool, error)
	UnsubscribeAll(ctx context.Context, destination string) (int, error)
	List(ctx context.Context, destination string) ([]crawler.Subscription, error)
}

// Jobs submits ad hoc crawl jobs and reports on them.
type Jobs interface {
	Submit(ctx context.Context, params crawler.JobParameters) (string, error)
	Job(ctx context.Context, jobID string) (crawler.Job, error)
}

// Commands answers the bot's subscription and crawl commands.
type Commands struct {
	subs   Subscriptions
	jobs   Jobs
	limit  int
	logger *zap.Logger
}

// CommandOption configures Commands.
type CommandOption func(*Commands)

// WithJobs enables /crawl, /latest and /status. limit caps records per crawl.
func WithJobs(jobs Jobs, limit int) CommandOption {
	return func(c *Commands) {
		c.jobs = jobs
		if limit > 0 {
			c.limit = limit
		}
	}
}

// NewCommands constructs the command handler.
func NewCommands(subs Subscriptions, logger *zap.Logger, opts ...CommandOption) *Commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Commands{subs: subs, limit: 10, logger: logger.Named("telegram.commands")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds every command on b.
func (c *Commands) Register(b *bot.Bot) {
	cmds := []string{"/start", "/help", "/subscribe", "/unsubscribe", "/list"}
	if c.jobs != nil {
		cmds = append(cmds, "/crawl", "/latest", "/status")
	}
	for _, cmd := range cmds {
		b.RegisterHandler(bot.HandlerTypeMessageText, cmd, bot.MatchTypePrefix, c.handle)
	}
}

func (c *Commands) handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.Handle(ctx, b, update)
}

// Handle processes one update and replies through sender.
func (c *Commands) Handle(ctx context.Context, sender Sender, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}
	msg := update.Message
	destination := strconv.FormatInt(msg.Chat.ID, 10)
	reply := c.dispatch(ctx, destination, crawler.DestinationKind(msg.Chat.Type), msg.Text)
	if reply == "" {
		return
	}
	if _, err := sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: reply}); err != nil {
		c.logger.Warn("reply failed", zap.String("destination", destination), zap.Error(err))
	}
}

func (c *Commands) dispatch(ctx context.Context, destination string, destKind crawler.DestinationKind, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	// Commands in groups arrive as /cmd@BotName.
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		return helpText
	case "/subscribe":
		kind, keyword, ok := parseTarget(args)
		if !ok {
			return "Usage: /subscribe all | author <name> | tag <tag>"
		}
		sub, changed, err := c.subs.Subscribe(ctx, destination, destKind, kind, keyword)
		if err != nil {
			c.logger.Warn("subscribe", zap.String("destination", destination), zap.Error(err))
			return "Could not subscribe: " + err.Error()
		}
		if !changed {
			return "Already subscribed to " + describe(sub)
		}
		return "Subscribed to " + describe(sub)
	case "/unsubscribe":
		if len(args) == 1 && strings.EqualFold(args[0], "everything") {
			n, err := c.subs.UnsubscribeAll(ctx, destination)
			if err != nil {
				return "Could not unsubscribe: " + err.Error()
			}
			return fmt.Sprintf("Removed %d subscriptions", n)
		}
		kind, keyword, ok := parseTarget(args)
		if !ok {
			return "Usage: /unsubscribe all | author <name> | tag <tag> | everything"
		}
		removed, err := c.subs.Unsubscribe(ctx, destination, kind, keyword)
		if err != nil {
			return "Could not unsubscribe: " + err.Error()
		}
		if !removed {
			return "No such subscription"
		}
		return "Unsubscribed"
	case "/list":
		subs, err := c.subs.List(ctx, destination)
		if err != nil {
			return "Could not list subscriptions: " + err.Error()
		}
		if len(subs) == 0 {
			return "No active subscriptions"
		}
		lines := make([]string, len(subs))
		for i, sub := range subs {
			lines[i] = "• " + describe(sub)
		}
		return strings.Join(lines, "\n")
	case "/crawl", "/latest", "/status":
		if c.jobs == nil {
			return ""
		}
		return c.jobCommand(ctx, destination, cmd, args)
	default:
		return ""
	}
}

func (c *Commands) jobCommand(ctx context.Context, destination, cmd string, args []string) string {
	switch cmd {
	case "/status":
		if len(args) != 1 {
			return "Usage: /status <job id>"
		}
		job, err := c.jobs.Job(ctx, args[0])
		if errors.Is(err, crawler.ErrNotFound) {
			return "No such job"
		}
		if err != nil {
			return "Could not load job: " + err.Error()
		}
		msg := fmt.Sprintf("Job %s: %s\nfound %d, new %d, sent %d",
			job.ID, job.Status, job.Counters.Total, job.Counters.New, job.Counters.Sent)
		if job.ErrorText != "" {
			msg += "\nerror: " + job.ErrorText
		}
		return msg
	case "/latest":
		params := crawler.JobParameters{Kind: crawler.JobKindLatest, Pages: 1, Destination: destination}
		if len(args) == 1 {
			pages, err := strconv.Atoi(args[0])
			if err != nil || pages < 1 {
				return "Usage: /latest [pages]"
			}
			params.Pages = pages
		}
		return c.submit(ctx, params)
	default:
		params, ok := parseCrawl(args)
		if !ok {
			return "Usage: /crawl author <name> | search <query> | code <code>"
		}
		params.Limit = c.limit
		params.Destination = destination
		return c.submit(ctx, params)
	}
}

func (c *Commands) submit(ctx context.Context, params crawler.JobParameters) string {
	id, err := c.jobs.Submit(ctx, params)
	if err != nil {
		c.logger.Warn("submit job", zap.String("kind", string(params.Kind)), zap.Error(err))
		return "Could not start crawl: " + err.Error()
	}
	return "Crawl queued, check progress with /status " + id
}

func parseCrawl(args []string) (crawler.JobParameters, bool) {
	if len(args) < 2 {
		return crawler.JobParameters{}, false
	}
	value := strings.Join(args[1:], " ")
	switch strings.ToLower(args[0]) {
	case "author", "actor":
		return crawler.JobParameters{Kind: crawler.JobKindAuthor, Value: value}, true
	case "search", "keyword":
		return crawler.JobParameters{Kind: crawler.JobKindKeyword, Value: value}, true
	case "code":
		if len(args) != 2 {
			return crawler.JobParameters{}, false
		}
		return crawler.JobParameters{Kind: crawler.JobKindCode, Value: crawler.NormalizeCode(value)}, true
	default:
		return crawler.JobParameters{}, false
	}
}

const helpText = `Commands:
/subscribe all - every new release
/subscribe author <name> - releases featuring an author
/subscribe tag <tag> - releases with a tag
/unsubscribe all | author <name> | tag <tag> | everything
/list - active subscriptions
/crawl author <name> | search <query> | code <code> - crawl now and send results here
/latest [pages] - crawl the newest listing pages and send new releases here
/status <job id> - progress of a crawl`

func parseTarget(args []string) (crawler.SubscriptionKind, string, bool) {
	if len(args) == 0 {
		return "", "", false
	}
	keyword := strings.Join(args[1:], " ")
	switch strings.ToLower(args[0]) {
	case "all":
		return crawler.SubscriptionAll, "", true
	case "author":
		return crawler.SubscriptionByAuthor, keyword, keyword != ""
	case "tag":
		return crawler.SubscriptionByTag, keyword, keyword != ""
	default:
		return "", "", false
	}
}

func describe(sub crawler.Subscription) string {
	switch sub.Kind {
	case crawler.SubscriptionByAuthor:
		return "author " + sub.Keyword
	case crawler.SubscriptionByTag:
		return "tag " + sub.Keyword
	default:
		return "all releases"
	}
}
