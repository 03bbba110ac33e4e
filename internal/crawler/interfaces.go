package crawler

import (
	"context"
	"io"
	"time"
)

// RecordStore persists catalog records.
type RecordStore interface {
	// InsertNew inserts records atomically, skipping codes that already exist.
	// It returns the records that were actually inserted, with IDs assigned.
	InsertNew(ctx context.Context, records []Record) ([]Record, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	ExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error)
	ListUndelivered(ctx context.Context) ([]Record, error)
	GetByCode(ctx context.Context, code string) (Record, error)
	GetByID(ctx context.Context, id int64) (Record, error)
	MarkDelivered(ctx context.Context, id int64) error
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// FindSubscription returns the row for the triple regardless of its enabled flag.
	FindSubscription(ctx context.Context, destination string, kind SubscriptionKind, keyword string) (Subscription, error)
	InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	ListEnabled(ctx context.Context) ([]Subscription, error)
	ListEnabledByDestination(ctx context.Context, destination string) ([]Subscription, error)
	ListEnabledByKind(ctx context.Context, kind SubscriptionKind, keyword string) ([]Subscription, error)
}

// AuditStore persists delivery attempts.
type AuditStore interface {
	InsertDelivery(ctx context.Context, entry DeliveryEntry) error
	HasSuccessfulDelivery(ctx context.Context, recordID int64, destination string) (bool, error)
	SuccessfulDestinations(ctx context.Context, recordID int64, destinations []string) (map[string]struct{}, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// JobStore persists ad hoc job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Deliverer transmits a record to a destination. A nil error means success.
type Deliverer interface {
	Send(ctx context.Context, destination string, record Record) error
}

// Fetcher fetches a URL and returns the page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Renderer renders a client-side page and returns the resulting markup.
type Renderer interface {
	Render(ctx context.Context, url string) (Page, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for ad hoc jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
