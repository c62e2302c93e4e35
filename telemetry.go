package driftsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// HTTPDoer is the http.Client surface the telemetry exporter needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TelemetryConfig configures the Prometheus remote-write exporter. When
// enabled, the client pushes its sync counters to Endpoint on a fixed
// interval so fleets of embedded clients show up on ordinary dashboards.
type TelemetryConfig struct {
	// Enabled turns the exporter on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Endpoint is the remote-write URL. Required when enabled.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Interval is the push cadence. Default: 15s.
	Interval time.Duration `json:"interval" yaml:"-"`

	// Timeout bounds one push attempt. Default: 10s.
	Timeout time.Duration `json:"timeout" yaml:"-"`

	// MaxRetries is the total attempts per push. Default: 3.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the initial backoff between attempts. Default: 1s.
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"-"`

	// Labels are added to every series, for whatever the fleet keys on
	// (device model, app version). The client and session labels are
	// always set.
	Labels map[string]string `json:"labels" yaml:"labels"`

	// HTTPClient overrides the HTTP client. Default: http.Client with
	// Timeout.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// errRemoteWriteRejected marks a 4xx response: the payload is wrong, not
// the network, so retrying is pointless.
var errRemoteWriteRejected = errors.New("remote write rejected")

// telemetryExporter pushes SyncStats as Prometheus remote-write on an
// interval. Failures never disturb sync; they are logged and the breaker
// keeps a dead endpoint from being hammered.
type telemetryExporter struct {
	client *Client
	cfg    TelemetryConfig
	logger *slog.Logger

	http    HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelemetryExporter(c *Client, cfg TelemetryConfig, logger *slog.Logger) *telemetryExporter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &telemetryExporter{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "telemetry"),
		http:   cfg.HTTPClient,
		ctx:    ctx,
		cancel: cancel,
	}
	if e.http == nil {
		e.http = &http.Client{Timeout: cfg.Timeout}
	}
	e.retryer = NewRetryer(RetryConfig{
		MaxAttempts:       cfg.MaxRetries,
		InitialBackoff:    cfg.RetryBackoff,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RetryIf: func(err error) bool {
			return !errors.Is(err, errRemoteWriteRejected) && !errors.Is(err, context.Canceled)
		},
	})
	e.cb = NewCircuitBreaker(5, 60*time.Second)
	return e
}

func (e *telemetryExporter) Start() {
	e.wg.Add(1)
	go e.loop()
}

func (e *telemetryExporter) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *telemetryExporter) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			// Final push so the last counters are not lost.
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
			if err := e.push(ctx); err != nil {
				e.logger.Debug("final telemetry push failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := e.push(e.ctx); err != nil {
				e.logger.Warn("telemetry push failed",
					"endpoint", e.cfg.Endpoint, "breaker", e.cb.State(), "err", err)
			}
		}
	}
}

// push snapshots the counters and sends one remote-write request.
func (e *telemetryExporter) push(ctx context.Context) error {
	req := e.buildWriteRequest(time.Now())
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal write request: %w", err)
	}
	payload := snappy.Encode(nil, data)

	return e.cb.Execute(func() error {
		result := e.retryer.Do(ctx, func() error {
			return e.post(ctx, payload)
		})
		return result.LastErr
	})
}

func (e *telemetryExporter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	req.Header.Set("User-Agent", "driftsync")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", errRemoteWriteRejected, resp.StatusCode, body)
	}
	return nil
}

// buildWriteRequest converts the counter snapshot into remote-write
// series, one sample each at now.
func (e *telemetryExporter) buildWriteRequest(now time.Time) *prompb.WriteRequest {
	stats := e.client.Stats()
	status := e.client.SyncStatus()

	online := 0.0
	if status.State == SyncStateOnline {
		online = 1.0
	}

	samples := []struct {
		name  string
		value float64
	}{
		{"driftsync_messages_sent_total", float64(stats.MessagesSent)},
		{"driftsync_deltas_sent_total", float64(stats.DeltasSent)},
		{"driftsync_messages_applied_total", float64(stats.MessagesApplied)},
		{"driftsync_deltas_applied_total", float64(stats.DeltasApplied)},
		{"driftsync_acks_applied_total", float64(stats.AcksApplied)},
		{"driftsync_local_updates_total", float64(stats.LocalUpdates)},
		{"driftsync_peer_changes_sent_total", float64(stats.PeerChangesSent)},
		{"driftsync_peer_changes_applied_total", float64(stats.PeerChangesApplied)},
		{"driftsync_online", online},
	}

	ts := now.UnixMilli()
	req := &prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(samples)),
	}
	for _, s := range samples {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  e.seriesLabels(s.name),
			Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
		})
	}
	return req
}

// seriesLabels builds the label set for one series, sorted by name as the
// remote-write format requires.
func (e *telemetryExporter) seriesLabels(name string) []prompb.Label {
	labels := make([]prompb.Label, 0, len(e.cfg.Labels)+3)
	labels = append(labels,
		prompb.Label{Name: "__name__", Value: name},
		prompb.Label{Name: "client", Value: string(e.client.ClientID())},
		prompb.Label{Name: "session", Value: e.client.SessionID()},
	)
	for k, v := range e.cfg.Labels {
		if k == "__name__" || k == "client" || k == "session" {
			continue
		}
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}
