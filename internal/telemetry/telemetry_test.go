package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func storedPurchase() models.StoredEvent {
	return models.StoredEvent{
		TrackingEvent: models.TrackingEvent{
			AccountID:     "acct-1",
			EventName:     models.EventPurchase,
			EventID:       "evt-1",
			FingerprintID: "fp_abc",
			SessionID:     "sess-1",
			Timestamp:     time.Unix(1700000000, 0),
			ClickIDs:      map[string]string{"gclid": "G1"},
		},
		ID:         "row-1",
		ClientIP:   "203.0.113.7",
		ReceivedAt: time.Unix(1700000001, 0),
	}
}

func TestNewEventRecord_OmitsClientIP(t *testing.T) {
	rec := NewEventRecord(storedPurchase())
	assert.True(t, rec.Conversion)
	assert.Equal(t, "fp_abc", rec.FingerprintID)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "203.0.113.7")
	assert.Contains(t, string(b), `"@timestamp"`)
}

func TestKafkaShipper_RoutesByRecordType(t *testing.T) {
	events, audit := &fakeWriter{}, &fakeWriter{}
	s := newKafkaShipper(config.KafkaConfig{Enabled: true}, events, audit)
	s.Start()

	require.True(t, s.PublishEvent(NewEventRecord(storedPurchase())))
	s.Publish(RequestAuditEvent{Method: "POST", Path: "/api/v1/events", Status: 202, IPHash: "iph"})
	s.Stop(context.Background())

	evMsgs := events.Messages()
	require.Len(t, evMsgs, 1)
	assert.Equal(t, "fp_abc", string(evMsgs[0].Key))
	assert.Equal(t, "event_name", evMsgs[0].Headers[0].Key)
	assert.Equal(t, models.EventPurchase, string(evMsgs[0].Headers[0].Value))

	auditMsgs := audit.Messages()
	require.Len(t, auditMsgs, 1)
	assert.Equal(t, "iph", string(auditMsgs[0].Key))
	assert.True(t, events.closed)
	assert.True(t, audit.closed)
}

func TestKafkaShipper_DropsOnBackpressure(t *testing.T) {
	s := newKafkaShipper(config.KafkaConfig{Enabled: true, QueueCapacity: 1}, &fakeWriter{}, nil)
	var dropped []string
	s.OnDrop = func(stream string) { dropped = append(dropped, stream) }

	assert.True(t, s.PublishEvent(EventRecord{EventID: "a"}))
	assert.False(t, s.PublishEvent(EventRecord{EventID: "b"}))
	s.Publish(RequestAuditEvent{})
	assert.Equal(t, []string{StreamEvents, StreamAudit}, dropped)
}

func TestKafkaShipper_DisabledIsNoop(t *testing.T) {
	s, err := NewKafkaShipper(config.KafkaConfig{})
	require.NoError(t, err)
	s.Start()
	assert.False(t, s.PublishEvent(EventRecord{}))
	s.Stop(context.Background())

	_, err = NewKafkaShipper(config.KafkaConfig{Enabled: true})
	assert.Error(t, err)
}

type bulkCapture struct {
	mu    sync.Mutex
	lines []string
	auth  string
}

func (b *bulkCapture) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = r.Header.Get("Authorization")
	sc := bufio.NewScanner(r.Body)
	for sc.Scan() {
		b.lines = append(b.lines, sc.Text())
	}
	w.WriteHeader(http.StatusOK)
}

func (b *bulkCapture) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func TestESShipper_BulkIndexUsesEventID(t *testing.T) {
	capture := &bulkCapture{}
	srv := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer srv.Close()

	s := NewESShipper(config.ElasticConfig{
		Enabled:    true,
		Endpoint:   srv.URL,
		APIKey:     "k",
		IndexPref:  "px",
		FlushSize:  10,
		FlushEvery: time.Hour,
	})
	s.Start()
	require.True(t, s.Publish(map[string]any{"event_id": "evt-1", "event_name": "Purchase"}))
	require.True(t, s.Publish(map[string]any{"method": "POST"}))
	s.Stop(context.Background())

	lines := capture.Lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"evt-1"`)
	assert.Contains(t, lines[0], `"_index":"px-`)
	assert.NotContains(t, lines[2], `"_id"`)
	assert.Equal(t, "ApiKey k", capture.auth)
}

func TestESShipper_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewESShipper(config.ElasticConfig{Enabled: true, Endpoint: srv.URL})
	err := s.bulkIndex(context.Background(), []map[string]any{{"a": 1}})
	assert.ErrorContains(t, err, "503")
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaToES_ForwardsRecords(t *testing.T) {
	capture := &bulkCapture{}
	srv := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer srv.Close()

	reader := &fakeReader{msgs: make(chan kafka.Message, 2)}
	reader.msgs <- kafka.Message{Value: []byte(`{"event_id":"evt-9"}`), Time: time.Now()}
	reader.msgs <- kafka.Message{Value: []byte(`not json`)}

	k := NewKafkaToES(
		config.KafkaConfig{Enabled: true, TopicEvents: "pixel.events"},
		config.ElasticConfig{Enabled: true, Endpoint: srv.URL, FlushSize: 1, FlushEvery: time.Hour},
	)
	k.newReader = func(string) messageReader { return reader }

	ctx, cancel := context.WithCancel(context.Background())
	k.Start(ctx)
	require.Eventually(t, func() bool { return len(capture.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	k.Stop(context.Background())

	lines := capture.Lines()
	assert.Contains(t, lines[0], `"_id":"evt-9"`)
	assert.True(t, strings.Contains(lines[1], `"stream":"pixel.events"`))
}

func TestKafkaToES_ReaderConfigDefaults(t *testing.T) {
	k := NewKafkaToES(config.KafkaConfig{Brokers: []string{"b:9092"}}, config.ElasticConfig{})
	rc := k.readerConfig("t")
	assert.Equal(t, "pixel-sink-es", rc.GroupID)
	assert.Equal(t, 10_000, rc.MinBytes)
	assert.Equal(t, time.Second, rc.MaxWait)
}
