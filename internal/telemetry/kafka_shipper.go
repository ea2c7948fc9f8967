package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

const (
	StreamEvents = "events"
	StreamAudit  = "audit"
)

// messageWriter is the subset of *kafka.Writer the shipper uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaShipper publishes accepted events and request audits to Kafka without
// blocking the request path. Records are dropped when the queue is full.
type KafkaShipper struct {
	cfg     config.KafkaConfig
	wEvents messageWriter
	wAudit  messageWriter
	ch      chan any
	stop    chan struct{}
	done    chan struct{}

	// OnDrop is called with the stream name of every dropped record.
	OnDrop func(stream string)
}

func NewKafkaShipper(cfgIn config.KafkaConfig) (*KafkaShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaShipper{cfg: cfg}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Warn("kafka writer: "+msg, args...)
			}),
		}
	}

	s := newKafkaShipper(cfg, nil, nil)
	if cfg.TopicEvents != "" {
		s.wEvents = newWriter(cfg.TopicEvents)
	}
	if cfg.TopicAudit != "" {
		s.wAudit = newWriter(cfg.TopicAudit)
	}
	return s, nil
}

func newKafkaShipper(cfg config.KafkaConfig, events, audit messageWriter) *KafkaShipper {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	return &KafkaShipper{
		cfg:     cfg,
		wEvents: events,
		wAudit:  audit,
		ch:      make(chan any, cfg.QueueCapacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *KafkaShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

// Stop drains queued records for up to 500ms, then closes the writers.
func (s *KafkaShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	if s.wEvents != nil {
		_ = s.wEvents.Close()
	}
	if s.wAudit != nil {
		_ = s.wAudit.Close()
	}
}

// PublishEvent queues an accepted event for the events topic.
func (s *KafkaShipper) PublishEvent(ev EventRecord) bool {
	return s.publish(StreamEvents, ev)
}

// Publish queues a request audit for the audit topic.
func (s *KafkaShipper) Publish(ev RequestAuditEvent) {
	s.publish(StreamAudit, ev)
}

func (s *KafkaShipper) publish(stream string, ev any) bool {
	if !s.cfg.Enabled {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		if s.OnDrop != nil {
			s.OnDrop(stream)
		}
		return false
	}
}

func (s *KafkaShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.dispatchLogged(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					s.dispatchLogged(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaShipper) dispatchLogged(ev any) {
	if err := s.dispatch(context.Background(), ev); err != nil {
		logger.Warn("kafka shipper: dispatch failed: %v", err)
	}
}

func (s *KafkaShipper) dispatch(ctx context.Context, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	switch e := ev.(type) {
	case EventRecord:
		if s.wEvents == nil {
			return nil
		}
		return s.wEvents.WriteMessages(ctx, kafka.Message{
			Key:   []byte(e.FingerprintID),
			Value: payload,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "event_name", Value: []byte(e.EventName)},
				{Key: "account_id", Value: []byte(e.AccountID)},
			},
		})
	case RequestAuditEvent:
		if s.wAudit == nil {
			return nil
		}
		return s.wAudit.WriteMessages(ctx, kafka.Message{
			Key:   []byte(e.IPHash),
			Value: payload,
			Time:  now,
		})
	}
	return nil
}
