package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNewSkipsConflictsInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	minutes := 120

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO records").
		WithArgs("SSIS-123", "first", "Jane Doe", "Drama", &minutes, "", "", "https://catalog.example/ssis-123", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("INSERT INTO records").
		WithArgs("ABP-001", "", "", "", pgxmock.AnyArg(), "", "", "", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	inserted, err := store.InsertNew(context.Background(), []crawler.Record{
		{Code: "ssis-123", Title: "first", Authors: "Jane Doe", Tags: "Drama", DurationMinutes: &minutes,
			DetailURL: "https://catalog.example/ssis-123"},
		{Code: "ABP-001"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	require.Equal(t, int64(7), inserted[0].ID)
	require.Equal(t, "SSIS-123", inserted[0].Code)
	require.Equal(t, fixedNow, inserted[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNewRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO records").
		WithArgs("A-1", "", "", "", pgxmock.AnyArg(), "", "", "", fixedNow).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.InsertNew(context.Background(), []crawler.Record{{Code: "A-1"}})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingCodesUsesOneQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT code FROM records WHERE code = ANY").
		WithArgs([]string{"A-1", "B-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"code"}).AddRow("B-2"))

	got, err := store.ExistingCodes(context.Background(), []string{"a-1", " B-2 "})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"B-2": {}}, got)
	require.NoError(t, mock.ExpectationsWereMet())

	empty, err := store.ExistingCodes(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func recordRow() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "code", "title", "authors", "tags", "duration_minutes",
		"cover_url", "preview_url", "detail_url", "delivered", "created_at",
	})
}

func TestListUndeliveredOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	minutes := 95
	mock.ExpectQuery("WHERE NOT delivered ORDER BY created_at, id").
		WillReturnRows(recordRow().
			AddRow(int64(1), "OLD-1", "t1", "A", "X", &minutes, "", "", "", false, fixedNow).
			AddRow(int64(2), "NEW-2", "t2", "", "", nil, "", "", "", false, fixedNow.Add(time.Minute)))

	recs, err := store.ListUndelivered(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "OLD-1", recs[0].Code)
	require.NotNil(t, recs[0].DurationMinutes)
	require.Equal(t, 95, *recs[0].DurationMinutes)
	require.Nil(t, recs[1].DurationMinutes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByCodeMapsNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM records WHERE code = ").
		WithArgs("GONE-1").
		WillReturnRows(recordRow())

	_, err := store.GetByCode(context.Background(), "gone-1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE records SET delivered = TRUE").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE records SET delivered = TRUE").
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.MarkDelivered(context.Background(), 3))
	require.ErrorIs(t, store.MarkDelivered(context.Background(), 4), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO subscriptions").
		WithArgs("chat-1", "private", "BY_AUTHOR", "Jane Doe", true, fixedNow, fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery("FROM subscriptions WHERE destination = ").
		WithArgs("chat-1", "BY_AUTHOR", "Jane Doe").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "destination", "destination_kind", "kind", "keyword", "enabled", "created_at", "updated_at",
		}).AddRow(int64(11), "chat-1", "private", "BY_AUTHOR", "Jane Doe", true, fixedNow, fixedNow))
	mock.ExpectExec("UPDATE subscriptions SET enabled").
		WithArgs(false, "private", fixedNow, int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	created, err := store.InsertSubscription(ctx, crawler.Subscription{
		Destination:     "chat-1",
		DestinationKind: crawler.DestinationPrivate,
		Kind:            crawler.SubscriptionByAuthor,
		Keyword:         "Jane Doe",
		Enabled:         true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(11), created.ID)

	found, err := store.FindSubscription(ctx, "chat-1", crawler.SubscriptionByAuthor, "Jane Doe")
	require.NoError(t, err)
	require.Equal(t, crawler.SubscriptionByAuthor, found.Kind)
	require.Equal(t, crawler.DestinationPrivate, found.DestinationKind)

	found.Enabled = false
	require.NoError(t, store.UpdateSubscription(ctx, found))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledByKindAllowsEmptyKeyword(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("WHERE enabled AND kind = ").
		WithArgs("BY_TAG", "").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "destination", "destination_kind", "kind", "keyword", "enabled", "created_at", "updated_at",
		}).
			AddRow(int64(1), "a", "group", "BY_TAG", "HD", true, fixedNow, fixedNow).
			AddRow(int64(2), "b", "group", "BY_TAG", "Drama", true, fixedNow, fixedNow))

	subs, err := store.ListEnabledByKind(context.Background(), crawler.SubscriptionByTag, "")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	entry := crawler.DeliveryEntry{
		ID:          "0190-audit",
		RecordID:    5,
		RecordCode:  "SSIS-123",
		Destination: "chat-1",
		Outcome:     crawler.DeliverySuccess,
		AttemptedAt: fixedNow,
	}
	mock.ExpectExec("INSERT INTO delivery_audit").
		WithArgs(entry.ID, entry.RecordID, entry.RecordCode, entry.Destination, "SUCCESS", "", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(5), "chat-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT DISTINCT destination FROM delivery_audit").
		WithArgs(int64(5), []string{"chat-1", "chat-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"destination"}).AddRow("chat-1"))
	mock.ExpectExec("DELETE FROM delivery_audit").
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	require.NoError(t, store.InsertDelivery(ctx, entry))
	ok, err := store.HasSuccessfulDelivery(ctx, 5, "chat-1")
	require.NoError(t, err)
	require.True(t, ok)
	done, err := store.SuccessfulDestinations(ctx, 5, []string{"chat-1", "chat-2"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"chat-1": {}}, done)
	n, err := store.PruneDeliveries(ctx, fixedNow)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.InsertDelivery(ctx, crawler.DeliveryEntry{ID: "x"}))
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	job := crawler.Job{
		ID:         "job-1",
		Status:     crawler.JobStatusQueued,
		Submitted:  fixedNow,
		Parameters: crawler.JobParameters{Kind: crawler.JobKindAuthor, Value: "Jane Doe", Limit: 10},
	}
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "queued", fixedNow, "",
			[]byte(`{"kind":"author","value":"Jane Doe","limit":10}`),
			[]byte(`{"total":0,"new":0,"duplicates":0,"invalid":0,"sent":0}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("job-1", "succeeded", "", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM jobs WHERE id = ").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "submitted_at", "started_at", "finished_at", "error_text", "parameters", "counters",
		}).AddRow("job-1", "succeeded", fixedNow, &fixedNow, &fixedNow, "",
			[]byte(`{"kind":"author","value":"Jane Doe","limit":10}`),
			[]byte(`{"total":12,"new":9,"duplicates":3}`)))

	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", crawler.JobStatusSucceeded, "",
		crawler.JobCounters{Total: 12, New: 9, Duplicates: 3}))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, got.Status)
	require.Equal(t, 9, got.Counters.New)
	require.Equal(t, "Jane Doe", got.Parameters.Value)
	require.NotNil(t, got.Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}
