package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/queue/memory"
	memstore "github.com/JakeFAU/catalog-relay/internal/storage/memory"
)

type fakeCrawler struct {
	mu      sync.Mutex
	calls   []string
	records []crawler.Record
}

func (f *fakeCrawler) record(call string) []crawler.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.records
}

func (f *fakeCrawler) CrawlNew(_ context.Context, pages int) []crawler.Record {
	return f.record("new:" + strconv.Itoa(pages))
}

func (f *fakeCrawler) CrawlByAuthor(_ context.Context, name string, _ int) []crawler.Record {
	return f.record("author:" + name)
}

func (f *fakeCrawler) CrawlByKeyword(_ context.Context, query string, _ int) []crawler.Record {
	return f.record("keyword:" + query)
}

type fakeIngester struct {
	res     crawler.IngestResult
	err     error
	codeRec crawler.Record
	created bool
}

func (f *fakeIngester) Ingest(_ context.Context, candidates []crawler.Record) (crawler.IngestResult, error) {
	res := f.res
	if res.Total == 0 {
		res.Total = len(candidates)
	}
	return res, f.err
}

func (f *fakeIngester) IngestCode(_ context.Context, code string) (crawler.Record, bool, error) {
	if f.err != nil {
		return crawler.Record{}, false, f.err
	}
	rec := f.codeRec
	rec.Code = code
	return rec, f.created, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (f *fakeSender) SendTo(_ context.Context, destination string, rec crawler.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[rec.Code] {
		return false, errors.New("chat not found")
	}
	f.sent = append(f.sent, destination+":"+rec.Code)
	return true, nil
}

func records(codes ...string) []crawler.Record {
	out := make([]crawler.Record, 0, len(codes))
	for i, c := range codes {
		out = append(out, crawler.Record{ID: int64(i + 1), Code: c})
	}
	return out
}

func runJob(t *testing.T, w *Worker, jobs *memstore.JobStore, params crawler.JobParameters) crawler.Job {
	t.Helper()
	require.NoError(t, jobs.CreateJob(context.Background(), crawler.Job{
		ID:         "job-1",
		Status:     crawler.JobStatusQueued,
		Parameters: params,
	}))
	w.processJob(context.Background(), crawler.QueueItem{JobID: "job-1", Params: params})
	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	return job
}

func TestWorker_AuthorJobDeliversNewRecords(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	crawl := &fakeCrawler{records: records("ABC-1", "ABC-2", "ABC-3")}
	ingest := &fakeIngester{res: crawler.IngestResult{New: records("ABC-1", "ABC-3"), Duplicates: 1}}
	sender := &fakeSender{}
	w := New(nil, jobs, crawl, ingest, sender, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{
		Kind:        crawler.JobKindAuthor,
		Value:       "Jane Doe",
		Limit:       5,
		Destination: "42",
	})

	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.Equal(t, crawler.JobCounters{Total: 3, New: 2, Duplicates: 1, Sent: 2}, job.Counters)
	require.Equal(t, []string{"author:Jane Doe"}, crawl.calls)
	require.Equal(t, []string{"42:ABC-1", "42:ABC-3"}, sender.sent)
}

func TestWorker_CapsDeliveriesAtLimit(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	crawl := &fakeCrawler{records: records("K-1", "K-2", "K-3")}
	ingest := &fakeIngester{res: crawler.IngestResult{New: records("K-1", "K-2", "K-3")}}
	sender := &fakeSender{}
	w := New(nil, jobs, crawl, ingest, sender, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{
		Kind:        crawler.JobKindKeyword,
		Value:       "ocean",
		Limit:       2,
		Destination: "42",
	})

	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.Equal(t, 2, job.Counters.Sent)
	require.Equal(t, []string{"42:K-1", "42:K-2"}, sender.sent)
}

func TestWorker_LatestJobUsesDefaultPages(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	crawl := &fakeCrawler{records: records("N-1")}
	ingest := &fakeIngester{res: crawler.IngestResult{New: records("N-1")}}
	w := New(nil, jobs, crawl, ingest, nil, Config{DefaultPages: 2}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{Kind: crawler.JobKindLatest})

	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.Equal(t, []string{"new:2"}, crawl.calls)
	require.Equal(t, crawler.JobCounters{Total: 1, New: 1}, job.Counters)
}

func TestWorker_CodeJobSendsKnownRecord(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	ingest := &fakeIngester{codeRec: crawler.Record{ID: 9}, created: false}
	sender := &fakeSender{}
	w := New(nil, jobs, &fakeCrawler{}, ingest, sender, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{
		Kind:        crawler.JobKindCode,
		Value:       "SSIS-123",
		Destination: "@channel",
	})

	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.Equal(t, crawler.JobCounters{Total: 1, Duplicates: 1, Sent: 1}, job.Counters)
	require.Equal(t, []string{"@channel:SSIS-123"}, sender.sent)
}

func TestWorker_IngestFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	ingest := &fakeIngester{err: errors.New("database unavailable")}
	w := New(nil, jobs, &fakeCrawler{records: records("X-1")}, ingest, nil, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{Kind: crawler.JobKindLatest})

	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "database unavailable", job.ErrorText)
}

func TestWorker_SendFailuresAreReported(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	crawl := &fakeCrawler{records: records("A-1", "A-2")}
	ingest := &fakeIngester{res: crawler.IngestResult{New: records("A-1", "A-2")}}
	sender := &fakeSender{fail: map[string]bool{"A-1": true}}
	w := New(nil, jobs, crawl, ingest, sender, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{
		Kind:        crawler.JobKindAuthor,
		Value:       "Jane",
		Destination: "42",
	})

	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "send A-1: chat not found")
	require.Equal(t, 1, job.Counters.Sent)
	require.Equal(t, []string{"42:A-2"}, sender.sent)
}

func TestWorker_UnknownKindFails(t *testing.T) {
	t.Parallel()

	jobs := memstore.NewJobStore()
	w := New(nil, jobs, &fakeCrawler{}, &fakeIngester{}, nil, Config{}, zap.NewNop())

	job := runJob(t, w, jobs, crawler.JobParameters{Kind: "sitemap"})

	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, `unsupported job kind "sitemap"`)
}

func TestWorker_RunConsumesQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(1)
	jobs := memstore.NewJobStore()
	crawl := &fakeCrawler{records: records("Q-1")}
	ingest := &fakeIngester{res: crawler.IngestResult{New: records("Q-1")}}
	w := New(queue, jobs, crawl, ingest, nil, Config{}, zap.NewNop())

	require.NoError(t, jobs.CreateJob(ctx, crawler.Job{ID: "job-q", Status: crawler.JobStatusQueued}))
	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{
		JobID:  "job-q",
		Params: crawler.JobParameters{Kind: crawler.JobKindLatest},
	}))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(ctx, "job-q")
		return err == nil && job.Status == crawler.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
