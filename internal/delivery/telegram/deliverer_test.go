package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/storage/memory"
	"github.com/JakeFAU/catalog-relay/internal/subscription"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    []string
	chats    []any
	texts    []string
	videoErr error
	photoErr error
	textErr  error
}

func (f *fakeSender) record(kind string, chat any, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.chats = append(f.chats, chat)
	f.texts = append(f.texts, text)
}

func (f *fakeSender) SendVideo(_ context.Context, p *bot.SendVideoParams) (*models.Message, error) {
	f.record("video", p.ChatID, p.Caption)
	return &models.Message{}, f.videoErr
}

func (f *fakeSender) SendPhoto(_ context.Context, p *bot.SendPhotoParams) (*models.Message, error) {
	f.record("photo", p.ChatID, p.Caption)
	return &models.Message{}, f.photoErr
}

func (f *fakeSender) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.record("text", p.ChatID, p.Text)
	return &models.Message{}, f.textErr
}

func sample() crawler.Record {
	minutes := 120
	return crawler.Record{
		Code:            "SSIS-123",
		Title:           "A (very) good title.",
		Authors:         "Jane Doe, Ann",
		Tags:            "Drama, Big Screen",
		DurationMinutes: &minutes,
		CoverURL:        "https://img.example/c.jpg",
		PreviewURL:      "https://cdn.example/p.mp4",
		DetailURL:       "https://catalog.example/ssis-123",
	}
}

func TestSendPrefersVideo(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	require.NoError(t, NewDeliverer(sender, nil).Send(context.Background(), "-100123", sample()))
	require.Equal(t, []string{"video"}, sender.calls)
	require.Equal(t, []any{int64(-100123)}, sender.chats)
}

func TestSendFallsBackToPhotoThenText(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{videoErr: errors.New("wrong file type")}
	require.NoError(t, NewDeliverer(sender, nil).Send(context.Background(), "42", sample()))
	require.Equal(t, []string{"video", "photo"}, sender.calls)

	sender = &fakeSender{videoErr: errors.New("bad"), photoErr: errors.New("bad")}
	require.NoError(t, NewDeliverer(sender, nil).Send(context.Background(), "@releases", sample()))
	require.Equal(t, []string{"video", "photo", "text"}, sender.calls)
	require.Equal(t, "@releases", sender.chats[2])

	rec := sample()
	rec.PreviewURL, rec.CoverURL = "", ""
	sender = &fakeSender{}
	require.NoError(t, NewDeliverer(sender, nil).Send(context.Background(), "42", rec))
	require.Equal(t, []string{"text"}, sender.calls)
}

func TestSendReportsTextFailure(t *testing.T) {
	t.Parallel()

	rec := sample()
	rec.PreviewURL, rec.CoverURL = "", ""
	sender := &fakeSender{textErr: errors.New("chat not found")}
	err := NewDeliverer(sender, nil).Send(context.Background(), "42", rec)
	require.ErrorContains(t, err, "chat not found")

	require.Error(t, NewDeliverer(&fakeSender{}, nil).Send(context.Background(), "not-a-chat", rec))
}

func TestParseChatID(t *testing.T) {
	t.Parallel()

	id, err := ParseChatID(" 12345 ")
	require.NoError(t, err)
	require.Equal(t, int64(12345), id)

	id, err = ParseChatID("@channel")
	require.NoError(t, err)
	require.Equal(t, "@channel", id)

	for _, bad := range []string{"", "@", "abc"} {
		_, err := ParseChatID(bad)
		require.Error(t, err, bad)
	}
}

func TestFormatCaptionEscapesMarkdown(t *testing.T) {
	t.Parallel()

	caption := FormatCaption(sample())
	require.Contains(t, caption, "`SSIS\\-123`")
	require.Contains(t, caption, "A \\(very\\) good title\\.")
	require.Contains(t, caption, "\\#Drama \\#Big\\_Screen")
	require.Contains(t, caption, "120 min")
	require.Contains(t, caption, "catalog\\.example/ssis\\-123")

	long := sample()
	long.Title = strings.Repeat("x", 2000)
	require.LessOrEqual(t, len([]rune(FormatCaption(long))), captionLimit)
}

func TestDelivererAgainstBotAPI(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if method == "sendVideo" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: wrong file"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	t.Cleanup(srv.Close)

	b, err := NewBot(Config{Token: "123:abc", ServerURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, NewDeliverer(b, nil).Send(context.Background(), "42", sample()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"sendVideo", "sendPhoto"}, methods)
}

func TestNewBotRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewBot(Config{})
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	t.Parallel()

	svc := subscription.New(memory.NewSubscriptionStore(), nil)
	cmds := NewCommands(svc, nil)
	sender := &fakeSender{}
	say := func(text string) string {
		cmds.Handle(context.Background(), sender, &models.Update{Message: &models.Message{
			Text: text,
			Chat: models.Chat{ID: 77, Type: "group"},
		}})
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.texts[len(sender.texts)-1]
	}

	require.Equal(t, "Subscribed to author Jane Doe", say("/subscribe author Jane Doe"))
	require.Equal(t, "Already subscribed to author Jane Doe", say("/subscribe@CatalogBot author Jane Doe"))
	require.Equal(t, "Subscribed to all releases", say("/subscribe all"))
	require.Contains(t, say("/subscribe tag"), "Usage")
	require.Equal(t, "• author Jane Doe\n• all releases", say("/list"))
	require.Equal(t, "Unsubscribed", say("/unsubscribe author Jane Doe"))
	require.Equal(t, "No such subscription", say("/unsubscribe tag HD"))
	require.Equal(t, "Removed 1 subscriptions", say("/unsubscribe everything"))
	require.Equal(t, "No active subscriptions", say("/list"))
	require.Equal(t, helpText, say("/help"))

	subs, err := svc.List(context.Background(), "77")
	require.NoError(t, err)
	require.Empty(t, subs)
}

type fakeJobs struct {
	submitted []crawler.JobParameters
	jobs      map[string]crawler.Job
}

func (f *fakeJobs) Submit(_ context.Context, params crawler.JobParameters) (string, error) {
	f.submitted = append(f.submitted, params)
	return "job-1", nil
}

func (f *fakeJobs) Job(_ context.Context, jobID string) (crawler.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

func TestCrawlCommandsSubmitJobsForTheChat(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{jobs: map[string]crawler.Job{"job-1": {
		ID:       "job-1",
		Status:   crawler.JobStatusSucceeded,
		Counters: crawler.JobCounters{Total: 4, New: 2, Sent: 2},
	}}}
	cmds := NewCommands(subscription.New(memory.NewSubscriptionStore(), nil), nil, WithJobs(jobs, 5))
	sender := &fakeSender{}
	say := func(text string) string {
		cmds.Handle(context.Background(), sender, &models.Update{Message: &models.Message{
			Text: text,
			Chat: models.Chat{ID: -100, Type: "supergroup"},
		}})
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.texts[len(sender.texts)-1]
	}

	require.Equal(t, "Crawl queued, check progress with /status job-1", say("/crawl author Jane Doe"))
	require.Contains(t, say("/crawl code ssis-123"), "job-1")
	require.Contains(t, say("/latest 2"), "job-1")
	require.Contains(t, say("/crawl"), "Usage")
	require.Contains(t, say("/latest zero"), "Usage")
	require.Equal(t, []crawler.JobParameters{
		{Kind: crawler.JobKindAuthor, Value: "Jane Doe", Limit: 5, Destination: "-100"},
		{Kind: crawler.JobKindCode, Value: "SSIS-123", Limit: 5, Destination: "-100"},
		{Kind: crawler.JobKindLatest, Pages: 2, Destination: "-100"},
	}, jobs.submitted)

	require.Equal(t, "Job job-1: succeeded\nfound 4, new 2, sent 2", say("/status job-1"))
	require.Equal(t, "No such job", say("/status job-9"))
}

func TestCrawlCommandsIgnoredWithoutJobs(t *testing.T) {
	t.Parallel()

	cmds := NewCommands(subscription.New(memory.NewSubscriptionStore(), nil), nil)
	sender := &fakeSender{}
	cmds.Handle(context.Background(), sender, &models.Update{Message: &models.Message{
		Text: "/crawl author Jane",
		Chat: models.Chat{ID: 1, Type: "private"},
	}})
	require.Empty(t, sender.texts)
}
