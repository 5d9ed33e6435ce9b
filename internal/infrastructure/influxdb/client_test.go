package influxdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "graylink-dev-token",
		Org:           "graylink",
		Bucket:        "events",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close() //nolint:errcheck // Probe only
	}
}

// fakeWriter collects points in memory.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeWriter) Points() []*write.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*write.Point(nil), f.points...)
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, field := range p.FieldList() {
		out[field.Key] = field.Value
	}
	return out
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Live(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.HandleEvent(events.Event{Key: "live-test", Kind: events.KindConnect, Time: time.Now()})
	client.Flush()
}

// =============================================================================
// Event Point Tests
// =============================================================================

func TestEventPoint(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		ev         events.Event
		wantTags   map[string]string
		wantFields map[string]interface{}
	}{
		{
			name: "connect success",
			ev:   events.Event{Key: "k1", Kind: events.KindConnect, Time: now, TokenID: 7},
			wantTags: map[string]string{
				"key": "k1", "kind": "connect", "outcome": "success",
			},
			wantFields: map[string]interface{}{
				"count": int64(1), "token_id": uint64(7),
			},
		},
		{
			name: "publish failure",
			ev: events.Event{
				Key: "k1", Kind: events.KindPublish, Time: now,
				Topic: "a/b", Err: fmt.Errorf("not connected"),
			},
			wantTags: map[string]string{
				"key": "k1", "kind": "publish", "outcome": "failure",
			},
			wantFields: map[string]interface{}{
				"count": int64(1), "topic": "a/b", "error": "not connected",
			},
		},
		{
			name: "replayed arrival",
			ev: events.Event{
				Key: "k2", Kind: events.KindMessageArrived, Time: now,
				Arrival: &events.Arrival{Topic: "x/y", Payload: []byte("abcd"), QoS: 1, Replayed: true},
			},
			wantTags: map[string]string{
				"key": "k2", "kind": "message_arrived", "outcome": "success",
			},
			wantFields: map[string]interface{}{
				"count": int64(1), "topic": "x/y", "payload_bytes": int64(4),
				"qos": int64(1), "replayed": true,
			},
		},
		{
			name: "connect complete",
			ev: events.Event{
				Key: "k3", Kind: events.KindConnectComplete, Time: now,
				Reconnect: true, ServerURI: "tcp://broker:1883",
			},
			wantTags: map[string]string{
				"key": "k3", "kind": "connect_complete", "outcome": "success",
			},
			wantFields: map[string]interface{}{
				"count": int64(1), "reconnect": true, "server_uri": "tcp://broker:1883",
			},
		},
		{
			name: "subscribe",
			ev: events.Event{
				Key: "k4", Kind: events.KindSubscribe, Time: now,
				Topics: []string{"a/#", "b/+"},
			},
			wantTags: map[string]string{
				"key": "k4", "kind": "subscribe", "outcome": "success",
			},
			wantFields: map[string]interface{}{
				"count": int64(1), "topics": int64(2),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := eventPoint(tt.ev)

			if p.Name() != measurementConnectionEvents {
				t.Errorf("Name() = %q, want %q", p.Name(), measurementConnectionEvents)
			}
			if !p.Time().Equal(now) {
				t.Errorf("Time() = %v, want %v", p.Time(), now)
			}

			gotTags := tags(p)
			if len(gotTags) != len(tt.wantTags) {
				t.Errorf("tags = %v, want %v", gotTags, tt.wantTags)
			}
			for k, v := range tt.wantTags {
				if gotTags[k] != v {
					t.Errorf("tag %s = %q, want %q", k, gotTags[k], v)
				}
			}

			gotFields := fields(p)
			if len(gotFields) != len(tt.wantFields) {
				t.Errorf("fields = %v, want %v", gotFields, tt.wantFields)
			}
			for k, v := range tt.wantFields {
				if gotFields[k] != v {
					t.Errorf("field %s = %v (%T), want %v (%T)", k, gotFields[k], gotFields[k], v, v)
				}
			}
		})
	}
}

// =============================================================================
// Listener Tests
// =============================================================================

func TestHandleEvent_WritesPoint(t *testing.T) {
	w := &fakeWriter{}
	client := newWithWriter(w)

	client.HandleEvent(events.Event{Key: "k", Kind: events.KindConnectionLost, Time: time.Now(), Err: errors.New("eof")})

	points := w.Points()
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if got := tags(points[0])["outcome"]; got != "failure" {
		t.Errorf("outcome = %q, want failure", got)
	}
}

func TestClose_StopsWrites(t *testing.T) {
	w := &fakeWriter{}
	client := newWithWriter(w)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	client.HandleEvent(events.Event{Key: "k", Kind: events.KindConnect, Time: time.Now()})
	client.Flush()

	if got := len(w.Points()); got != 0 {
		t.Errorf("points after Close() = %d, want 0", got)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1 (from Close)", w.flushes)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHandleWriteErrors_WrapsAndForwards(t *testing.T) {
	client := newWithWriter(&fakeWriter{})

	var got []error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})

	ch := make(chan error, 1)
	ch <- errors.New("bucket not found")
	close(ch)
	client.handleWriteErrors(ch)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !errors.Is(got[0], ErrWriteFailed) {
		t.Errorf("errors = %v, want one ErrWriteFailed", got)
	}
}
