package crawler

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrQueueClosed is returned by a job queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// codePattern matches catalog identifiers such as SSIS-123.
var codePattern = regexp.MustCompile(`(?i)([A-Z]+-\d+)`)

// Record is one catalog entry keyed by its code.
type Record struct {
	ID              int64     `json:"id,omitempty"`
	Code            string    `json:"code"`
	Title           string    `json:"title,omitempty"`
	Authors         string    `json:"authors,omitempty"`
	Tags            string    `json:"tags,omitempty"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
	CoverURL        string    `json:"cover_url,omitempty"`
	PreviewURL      string    `json:"preview_url,omitempty"`
	DetailURL       string    `json:"detail_url,omitempty"`
	Delivered       bool      `json:"delivered"`
	CreatedAt       time.Time `json:"created_at"`
	// PathDerived is set when Code came from a URL segment rather than the code pattern.
	PathDerived bool `json:"-"`
}

// Valid reports whether the record carries a code.
func (r Record) Valid() bool {
	return strings.TrimSpace(r.Code) != ""
}

// AuthorList splits Authors into trimmed, non-empty names.
func (r Record) AuthorList() []string {
	return SplitList(r.Authors)
}

// TagList splits Tags into trimmed, non-empty tags.
func (r Record) TagList() []string {
	return SplitList(r.Tags)
}

// MergeMissing fills fields of r that are empty with values from detail.
// Populated fields are never overwritten.
func (r *Record) MergeMissing(detail Record) {
	if r.Title == "" {
		r.Title = detail.Title
	}
	if r.Authors == "" {
		r.Authors = detail.Authors
	}
	if r.Tags == "" {
		r.Tags = detail.Tags
	}
	if r.CoverURL == "" {
		r.CoverURL = detail.CoverURL
	}
	if r.PreviewURL == "" {
		r.PreviewURL = detail.PreviewURL
	}
	if r.DurationMinutes == nil && detail.DurationMinutes != nil {
		d := *detail.DurationMinutes
		r.DurationMinutes = &d
	}
	if r.DetailURL == "" {
		r.DetailURL = detail.DetailURL
	}
}

// NeedsEnrichment reports whether a detail fetch could add authors or a preview.
func (r Record) NeedsEnrichment() bool {
	return r.DetailURL != "" && (r.Authors == "" || r.PreviewURL == "")
}

// ExtractCode finds the first code in text and returns it uppercased.
func ExtractCode(text string) (string, bool) {
	m := codePattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// MatchesCode reports whether text contains a code.
func MatchesCode(text string) bool {
	return codePattern.MatchString(text)
}

// NormalizeCode trims and uppercases a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SplitList splits a comma-joined list, trimming entries and dropping blanks.
func SplitList(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinList joins values with ", " after trimming and removing duplicates.
func JoinList(values []string) string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return strings.Join(out, ", ")
}

// SubscriptionKind is the predicate a subscription applies to records.
type SubscriptionKind string

// Subscription predicates.
const (
	SubscriptionAll      SubscriptionKind = "ALL"
	SubscriptionByAuthor SubscriptionKind = "BY_AUTHOR"
	SubscriptionByTag    SubscriptionKind = "BY_TAG"
)

// Valid reports whether k is a known predicate.
func (k SubscriptionKind) Valid() bool {
	switch k {
	case SubscriptionAll, SubscriptionByAuthor, SubscriptionByTag:
		return true
	default:
		return false
	}
}

// NeedsKeyword reports whether the predicate requires a keyword.
func (k SubscriptionKind) NeedsKeyword() bool {
	return k == SubscriptionByAuthor || k == SubscriptionByTag
}

// DestinationKind describes the chat a destination points at.
type DestinationKind string

// Destination kinds.
const (
	DestinationPrivate    DestinationKind = "private"
	DestinationGroup      DestinationKind = "group"
	DestinationSupergroup DestinationKind = "supergroup"
	DestinationChannel    DestinationKind = "channel"
)

// Subscription routes matching records to a destination.
type Subscription struct {
	ID              int64            `json:"id,omitempty"`
	Destination     string           `json:"destination"`
	DestinationKind DestinationKind  `json:"destination_kind"`
	Kind            SubscriptionKind `json:"kind"`
	Keyword         string           `json:"keyword,omitempty"`
	Enabled         bool             `json:"enabled"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DeliveryOutcome is the result of one delivery attempt.
type DeliveryOutcome string

// Delivery outcomes.
const (
	DeliverySuccess DeliveryOutcome = "SUCCESS"
	DeliveryFailed  DeliveryOutcome = "FAILED"
)

// DeliveryEntry is one immutable audit row per delivery attempt.
type DeliveryEntry struct {
	ID            string          `json:"id"`
	RecordID      int64           `json:"record_id"`
	RecordCode    string          `json:"record_code"`
	Destination   string          `json:"destination"`
	Outcome       DeliveryOutcome `json:"outcome"`
	FailureReason string          `json:"failure_reason,omitempty"`
	AttemptedAt   time.Time       `json:"attempted_at"`
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Rendered   bool
}

// IngestResult reports how a batch of candidates was classified.
type IngestResult struct {
	New        []Record `json:"new"`
	Total      int      `json:"total"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
}

// NewCount returns the number of newly persisted records.
func (r IngestResult) NewCount() int {
	return len(r.New)
}

// JobStatus represents the lifecycle state of an ad hoc job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// JobKind selects which crawl an ad hoc job runs.
type JobKind string

// Ad hoc job kinds.
const (
	JobKindLatest  JobKind = "latest"
	JobKindAuthor  JobKind = "author"
	JobKindKeyword JobKind = "keyword"
	JobKindCode    JobKind = "code"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindLatest, JobKindAuthor, JobKindKeyword, JobKindCode:
		return true
	default:
		return false
	}
}

// JobParameters captures what the client asked an ad hoc job to do.
type JobParameters struct {
	Kind  JobKind `json:"kind"`
	Value string  `json:"value,omitempty"`
	Limit int     `json:"limit,omitempty"`
	Pages int     `json:"pages,omitempty"`
	// Destination, when set, receives every new record the job ingests.
	Destination string `json:"destination,omitempty"`
}

// JobCounters tracks what a job achieved.
type JobCounters struct {
	Total      int `json:"total"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
	Sent       int `json:"sent"`
}

// Job represents the metadata persisted for each submitted ad hoc request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Attempt   int
	Submitted int64
}
