package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anggasct/fluo"
	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	apperrors "github.com/crazydw4rf/smart-aquarium/internal/errors"
	"github.com/crazydw4rf/smart-aquarium/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultThingSpeakBaseURL = "https://api.thingspeak.com"

	httpTimeout             = 10 * time.Second
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// ThingSpeakConfig carries the channel credentials and polling cadence.
type ThingSpeakConfig struct {
	BaseURL      string // defaults to the public API host
	ChannelID    string
	ReadAPIKey   string // empty for public channels
	WriteAPIKey  string
	PollInterval time.Duration
	// WriteInterval is the minimum interval the upstream accepts between
	// channel writes; attempts made sooner are rejected locally as
	// rate-limited without an HTTP call.
	WriteInterval time.Duration
}

// ThingSpeakLink is the poll-based upstream. State is read from the
// channel's last feed entry (field1=temp, field2=level, field3=led,
// field4=pump) on a fixed interval; commands are synchronous POSTs whose
// result reflects the upstream's success, failure, or rate-limit response.
type ThingSpeakLink struct {
	cfg      ThingSpeakConfig
	clock    clockwork.Clock
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	deltas   chan domain.StateDelta
	poll     singleflight.Group
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu          sync.Mutex
	machine     fluo.Machine
	lastEntryID int64
}

// NewThingSpeakLink creates a ThingSpeak upstream link. Polling is deferred
// to Start.
func NewThingSpeakLink(cfg ThingSpeakConfig, clock clockwork.Clock) *ThingSpeakLink {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultThingSpeakBaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "thingspeak",
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("ThingSpeak circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &ThingSpeakLink{
		cfg:     cfg,
		clock:   clock,
		http:    &http.Client{Timeout: httpTimeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Every(cfg.WriteInterval), 1),
		deltas:  make(chan domain.StateDelta, deltaBufferSize),
		machine: newConnMachine(),
	}
}

// Start launches the poll loop. Idempotent; a second call while the loop is
// running is a no-op.
func (l *ThingSpeakLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ConnState(l.machine.CurrentState()) != StateDisconnected {
		return nil
	}
	transition(l.machine, eventConnect)

	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(pollCtx)

	slog.Info("ThingSpeak polling started", "channel", l.cfg.ChannelID, "interval", l.cfg.PollInterval)
	return nil
}

// Stop cancels the poll loop, including any in-flight request. Safe to call
// multiple times.
func (l *ThingSpeakLink) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		transition(l.machine, eventStopped)
		cancel := l.cancel
		l.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		slog.Info("ThingSpeak link stopped")
	})
}

// Deltas returns the normalized telemetry channel.
func (l *ThingSpeakLink) Deltas() <-chan domain.StateDelta {
	return l.deltas
}

// State reports the current connection state.
func (l *ThingSpeakLink) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ConnState(l.machine.CurrentState())
}

func (l *ThingSpeakLink) run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.pollOnce(ctx)
	for {
		select {
		case <-ticker.Chan():
			l.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce fetches the last feed entry, deduplicated so concurrent
// heartbeat-triggered refreshes and the ticker share one request.
func (l *ThingSpeakLink) pollOnce(ctx context.Context) {
	_, err, _ := l.poll.Do("poll", func() (any, error) {
		return nil, l.fetchLastEntry(ctx)
	})
	if err != nil {
		l.mu.Lock()
		if ConnState(l.machine.CurrentState()) == StateConnected {
			transition(l.machine, eventLost)
			metrics.UpstreamReconnectsTotal.Inc()
			transition(l.machine, eventConnect)
		}
		l.mu.Unlock()
		slog.Warn("ThingSpeak poll failed", "error", err)
		return
	}

	l.mu.Lock()
	if ConnState(l.machine.CurrentState()) == StateConnecting {
		transition(l.machine, eventConnected)
	}
	l.mu.Unlock()
}

// feedEntry is the last.json response shape. ThingSpeak renders numeric
// fields as strings and omits never-written fields as null.
type feedEntry struct {
	EntryID int64   `json:"entry_id"`
	Field1  *string `json:"field1"`
	Field2  *string `json:"field2"`
	Field3  *string `json:"field3"`
	Field4  *string `json:"field4"`
}

func (l *ThingSpeakLink) fetchLastEntry(ctx context.Context) error {
	start := l.clock.Now()
	defer func() {
		metrics.UpstreamPollDuration.Observe(l.clock.Since(start).Seconds())
	}()

	feedURL := fmt.Sprintf("%s/channels/%s/feeds/last.json", l.cfg.BaseURL, l.cfg.ChannelID)
	if l.cfg.ReadAPIKey != "" {
		feedURL += "?api_key=" + url.QueryEscape(l.cfg.ReadAPIKey)
	}

	body, err := l.doRequest(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return err
	}

	var entry feedEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return apperrors.ParseError("decode feed entry", err)
	}
	if entry.EntryID == 0 {
		return apperrors.UpstreamError("no feed data available", nil)
	}

	l.mu.Lock()
	seen := entry.EntryID == l.lastEntryID
	l.lastEntryID = entry.EntryID
	l.mu.Unlock()
	if seen {
		return nil
	}

	delta := domain.StateDelta{
		Temperature: parseFloatField(entry.Field1),
		WaterLevel:  parseFloatField(entry.Field2),
		LampOn:      parseBitField(entry.Field3),
		PumpOn:      parseBitField(entry.Field4),
		Timestamp:   l.clock.Now(),
	}
	if delta.Empty() {
		return nil
	}
	l.emit(delta)
	metrics.UpstreamTelemetryTotal.WithLabelValues("applied").Inc()
	return nil
}

// Send POSTs a field update. A write attempted before the upstream's
// minimum interval has elapsed is rejected locally as rate-limited; the
// upstream's own rejection (a "0" entry id or HTTP 429) maps to the same
// typed outcome so the operator can retry, never the bridge.
func (l *ThingSpeakLink) Send(ctx context.Context, cmd domain.UpstreamCommand) error {
	if !l.limiter.AllowN(l.clock.Now(), 1) {
		metrics.UpstreamCommandsTotal.WithLabelValues("rate_limited").Inc()
		return apperrors.RateLimitedError(fmt.Sprintf("minimum write interval %s not elapsed", l.cfg.WriteInterval))
	}

	field := "field4"
	if cmd.Device == domain.UpstreamLED {
		field = "field3"
	}
	value := "0"
	if cmd.On {
		value = "1"
	}

	form := url.Values{}
	form.Set("api_key", l.cfg.WriteAPIKey)
	form.Set(field, value)

	body, err := l.doRequest(ctx, http.MethodPost, l.cfg.BaseURL+"/update.json", strings.NewReader(form.Encode()))
	if err != nil {
		outcome := "failed"
		if apperrors.IsRateLimited(err) {
			outcome = "rate_limited"
		}
		metrics.UpstreamCommandsTotal.WithLabelValues(outcome).Inc()
		return err
	}

	// ThingSpeak answers a literal 0 instead of an entry when the write
	// arrived inside the enforced interval.
	if strings.TrimSpace(string(body)) == "0" {
		metrics.UpstreamCommandsTotal.WithLabelValues("rate_limited").Inc()
		return apperrors.RateLimitedError("upstream rejected write inside minimum interval")
	}

	var result struct {
		EntryID int64 `json:"entry_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		metrics.UpstreamCommandsTotal.WithLabelValues("failed").Inc()
		return apperrors.ParseError("decode update response", err)
	}
	if result.EntryID == 0 {
		metrics.UpstreamCommandsTotal.WithLabelValues("failed").Inc()
		return apperrors.UpstreamError("update rejected", nil)
	}

	metrics.UpstreamCommandsTotal.WithLabelValues("sent").Inc()

	// Optimistic delta so dashboards reflect the accepted write before the
	// next poll observes it.
	on := cmd.On
	delta := domain.StateDelta{Timestamp: l.clock.Now()}
	if cmd.Device == domain.UpstreamLED {
		delta.LampOn = &on
	} else {
		delta.PumpOn = &on
	}
	l.emit(delta)
	return nil
}

// Heartbeat triggers an on-demand poll, giving sessions a fresh read even
// between ticks. Concurrent heartbeats collapse into one request.
func (l *ThingSpeakLink) Heartbeat(ctx context.Context) error {
	l.pollOnce(ctx)
	return nil
}

func (l *ThingSpeakLink) doRequest(ctx context.Context, method, reqURL string, body io.Reader) ([]byte, error) {
	result, err := l.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, apperrors.TransportError("build request", err)
		}
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := l.http.Do(req)
		if err != nil {
			return nil, apperrors.TransportError("thingspeak request", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.TransportError("read response", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, apperrors.RateLimitedError("upstream returned 429")
		case resp.StatusCode != http.StatusOK:
			return nil, apperrors.UpstreamError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.TransportError("thingspeak circuit open", err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (l *ThingSpeakLink) emit(delta domain.StateDelta) {
	select {
	case l.deltas <- delta:
	default:
		slog.Warn("Dropping telemetry: delta channel full")
	}
}

func parseFloatField(s *string) *float64 {
	if s == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseBitField(s *string) *bool {
	if s == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil {
		return nil
	}
	on := v > 0.5
	return &on
}
