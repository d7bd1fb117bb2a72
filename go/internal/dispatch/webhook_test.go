package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/signing"
)

func testEvent(target string) outbox.Event {
	return outbox.Event{
		ID:        uuid.New(),
		EventType: "ping",
		Channel:   ChannelWebhook,
		Target:    target,
		Payload:   json.RawMessage(`{"hello":"world"}`),
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookProviderSignsRequest(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookProvider("shhh", 5*time.Second, clock)
	ev := testEvent(srv.URL)

	require.NoError(t, p.Send(context.Background(), ev))

	sig := gotHeaders.Get("X-Signature")
	ts := gotHeaders.Get("X-Timestamp")
	require.NotEmpty(t, sig)
	require.NotEmpty(t, ts)
	assert.True(t, signing.Verify(gotBody, "shhh", ts, sig), "recipient-side verification must pass")
	assert.Equal(t, ev.ID.String(), gotHeaders.Get("X-Event-ID"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, ev.ID.String(), envelope["event_id"])
	assert.Equal(t, "ping", envelope["event_type"])
}

func TestWebhookProviderMissingSecret(t *testing.T) {
	p := NewWebhookProvider("", 5*time.Second, clockwork.NewFakeClock())

	err := p.Send(context.Background(), testEvent("http://example.com/hook"))
	require.Error(t, err)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.ConfigError())
}

func TestWebhookProviderMissingTarget(t *testing.T) {
	p := NewWebhookProvider("shhh", 5*time.Second, clockwork.NewFakeClock())

	err := p.Send(context.Background(), testEvent(""))
	require.Error(t, err)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.True(t, de.Permanent())
}

func TestWebhookProviderStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		p := NewWebhookProvider("shhh", 5*time.Second, clockwork.NewFakeClock())
		err := p.Send(context.Background(), testEvent(srv.URL))
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		var de *DeliveryError
		require.True(t, errors.As(err, &de), "status %d", tc.status)
		assert.Equal(t, tc.permanent, de.Permanent(), "status %d", tc.status)
		assert.Equal(t, tc.status, de.StatusCode)
	}
}

func TestWebhookProviderConnectionErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	p := NewWebhookProvider("shhh", time.Second, clockwork.NewFakeClock())
	err := p.Send(context.Background(), testEvent(srv.URL))
	require.Error(t, err)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Permanent())
}

func TestDeliveryErrorProviderResponse(t *testing.T) {
	de := fromStatus(ChannelWebhook, http.StatusBadRequest, []byte(`{"error":"bad payload"}`))
	assert.JSONEq(t, `{"error":"bad payload"}`, string(de.ProviderResponse()))

	de = fromStatus(ChannelWebhook, http.StatusBadRequest, []byte("<html>nope</html>"))
	assert.Nil(t, de.ProviderResponse())
}
