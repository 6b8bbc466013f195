package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changewatch/internal/config"
	"changewatch/internal/types"
)

func newDeliverer() *HTTPDeliverer {
	return New(config.DeliveryConfig{
		UserAgent: "ChangeWatch-Test/1.0",
		Timeout:   5 * time.Second,
	})
}

func payload(urls ...string) types.NotificationPayload {
	return types.NotificationPayload{
		WatchUUID:        "watch-1",
		WatchURL:         "https://example.com/page",
		NotificationURLs: urls,
		Title:            "Change detected",
		Body:             "The page changed",
	}
}

func TestDeliverPostsJSONToDestination(t *testing.T) {
	var gotBody webhookBody
	var gotUA, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := newDeliverer().Deliver(context.Background(), payload(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "Change detected", gotBody.Title)
	assert.Equal(t, "The page changed", gotBody.Body)
	assert.Equal(t, "watch-1", gotBody.WatchUUID)
	assert.Equal(t, "ChangeWatch-Test/1.0", gotUA)
	assert.Equal(t, "application/json", gotCT)

	require.Len(t, res.Log, 1)
	assert.Contains(t, res.Log[0], "sent to")
}

func TestDeliverFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := newDeliverer().Deliver(context.Background(), payload(srv.URL))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamDelivery, appErr.Code)

	require.Len(t, res.Log, 1)
	assert.Contains(t, res.Log[0], "FAILED")
	assert.Contains(t, res.Log[0], "500")
}

func TestDeliverPartialFailureRetriesWholeSet(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	res, err := newDeliverer().Deliver(context.Background(), payload(ok.URL, bad.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Len(t, res.Log, 2)
}

func TestDeliverRejectsEmptyDestinations(t *testing.T) {
	_, err := newDeliverer().Deliver(context.Background(), payload())
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
}

func TestDeliverRejectsNonHTTPDestination(t *testing.T) {
	res, err := newDeliverer().Deliver(context.Background(), payload("ftp://example.com/x"))
	require.Error(t, err)
	require.Len(t, res.Log, 1)
	assert.Contains(t, res.Log[0], "FAILED")
}

func TestDeliverRedactsSecretsInLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := newDeliverer().Deliver(context.Background(), payload(srv.URL+"/hook?token=supersecret"))
	require.NoError(t, err)
	require.Len(t, res.Log, 1)
	assert.NotContains(t, res.Log[0], "supersecret")
	assert.Contains(t, res.Log[0], "/hook")
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDeliverer()
	p := payload(srv.URL)
	for i := 0; i < 10; i++ {
		_, err := d.Deliver(context.Background(), p)
		require.Error(t, err)
	}

	// The breaker trips after 6 consecutive failures, so later deliveries
	// never reach the destination.
	assert.Less(t, calls, 10)

	_, err := d.Deliver(context.Background(), p)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit breaker") ||
		strings.Contains(err.Error(), "delivery failed"))
}
