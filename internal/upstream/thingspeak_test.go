package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	apperrors "github.com/crazydw4rf/smart-aquarium/internal/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testThingSpeakLink(t *testing.T, handler http.Handler) (*ThingSpeakLink, *clockwork.FakeClock) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	clock := clockwork.NewFakeClock()
	link := NewThingSpeakLink(ThingSpeakConfig{
		BaseURL:       server.URL,
		ChannelID:     "2945814",
		WriteAPIKey:   "WRITEKEY",
		PollInterval:  5 * time.Second,
		WriteInterval: 15 * time.Second,
	}, clock)
	return link, clock
}

func TestFetchLastEntryEmitsDelta(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/2945814/feeds/last.json", r.URL.Path)
		w.Write([]byte(`{"created_at":"2026-08-30T12:00:00Z","entry_id":42,"field1":"25.50","field2":"85.2","field3":"1","field4":"0"}`))
	}))

	require.NoError(t, link.fetchLastEntry(context.Background()))

	select {
	case delta := <-link.Deltas():
		require.NotNil(t, delta.Temperature)
		assert.Equal(t, 25.5, *delta.Temperature)
		require.NotNil(t, delta.WaterLevel)
		assert.Equal(t, 85.2, *delta.WaterLevel)
		require.NotNil(t, delta.LampOn)
		assert.True(t, *delta.LampOn)
		require.NotNil(t, delta.PumpOn)
		assert.False(t, *delta.PumpOn)
	default:
		t.Fatal("expected a delta")
	}
}

func TestFetchLastEntrySkipsAlreadySeenEntry(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entry_id":7,"field1":"20"}`))
	}))

	require.NoError(t, link.fetchLastEntry(context.Background()))
	require.NoError(t, link.fetchLastEntry(context.Background()))

	<-link.Deltas()
	select {
	case <-link.Deltas():
		t.Fatal("unchanged entry must not be re-emitted")
	default:
	}
}

func TestFetchLastEntrySkipsNullFields(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entry_id":3,"field1":null,"field2":null,"field3":"0","field4":null}`))
	}))

	require.NoError(t, link.fetchLastEntry(context.Background()))

	delta := <-link.Deltas()
	assert.Nil(t, delta.Temperature)
	assert.Nil(t, delta.WaterLevel)
	require.NotNil(t, delta.LampOn)
	assert.False(t, *delta.LampOn)
	assert.Nil(t, delta.PumpOn)
}

func TestSendWritesActuatorField(t *testing.T) {
	var gotField3, gotKey string
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/update.json", r.URL.Path)
		gotKey = r.PostFormValue("api_key")
		gotField3 = r.PostFormValue("field3")
		w.Write([]byte(`{"entry_id":101}`))
	}))

	err := link.Send(context.Background(), domain.UpstreamCommand{Device: domain.UpstreamLED, On: true})
	require.NoError(t, err)
	assert.Equal(t, "WRITEKEY", gotKey)
	assert.Equal(t, "1", gotField3)

	// The accepted write is reflected optimistically.
	delta := <-link.Deltas()
	require.NotNil(t, delta.LampOn)
	assert.True(t, *delta.LampOn)
}

func TestSendSecondWriteWithinIntervalIsRateLimited(t *testing.T) {
	requests := 0
	link, clock := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"entry_id":101}`))
	}))

	cmd := domain.UpstreamCommand{Device: domain.UpstreamPump, On: true}

	require.NoError(t, link.Send(context.Background(), cmd))

	err := link.Send(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, 1, requests, "rate-limited write must not reach the upstream")

	// After the interval elapses the next write goes through again.
	clock.Advance(15 * time.Second)
	require.NoError(t, link.Send(context.Background(), cmd))
	assert.Equal(t, 2, requests)
}

func TestSendUpstreamZeroBodyIsRateLimited(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0"))
	}))

	err := link.Send(context.Background(), domain.UpstreamCommand{Device: domain.UpstreamLED, On: false})
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
}

func TestSendUpstream429IsRateLimited(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	err := link.Send(context.Background(), domain.UpstreamCommand{Device: domain.UpstreamLED, On: false})
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
}

func TestSendUpstreamErrorStatus(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := link.Send(context.Background(), domain.UpstreamCommand{Device: domain.UpstreamPump, On: false})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeUpstream))
	assert.False(t, apperrors.IsRateLimited(err))
}

func TestStartIsIdempotent(t *testing.T) {
	link, _ := testThingSpeakLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entry_id":1,"field1":"20"}`))
	}))
	defer link.Stop()

	ctx := context.Background()
	require.NoError(t, link.Start(ctx))
	require.NoError(t, link.Start(ctx))
	assert.NotEqual(t, StateDisconnected, link.State())
}
