package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersExposed(t *testing.T) {
	before := testutil.ToFloat64(EventsDropped.WithLabelValues(ReasonOutOfContext))
	EventsDropped.WithLabelValues(ReasonOutOfContext).Inc()
	require.Equal(t, before+1, testutil.ToFloat64(EventsDropped.WithLabelValues(ReasonOutOfContext)))

	EventsApplied.WithLabelValues("message_created").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `chatsync_events_dropped_total{reason="out_of_context"}`)
	require.Contains(t, string(body), `chatsync_events_applied_total{kind="message_created"}`)
	require.Contains(t, string(body), "go_goroutines")
}
