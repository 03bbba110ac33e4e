package logsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

func TestSendRecordsAndLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	d := New(zap.New(core))

	require.NoError(t, d.Send(context.Background(), "42", crawler.Record{Code: "ABC-1", Title: "First"}))
	require.NoError(t, d.Send(context.Background(), "42", crawler.Record{Code: "ABC-2"}))
	require.NoError(t, d.Send(context.Background(), "@channel", crawler.Record{Code: "ABC-1"}))

	require.Equal(t, []string{"ABC-1", "ABC-2"}, d.Sent("42"))
	require.Equal(t, []string{"ABC-1"}, d.Sent("@channel"))
	require.Empty(t, d.Sent("7"))

	entries := logs.FilterMessage("dry-run delivery").All()
	require.Len(t, entries, 3)
	require.Equal(t, "ABC-1", entries[0].ContextMap()["code"])
}
