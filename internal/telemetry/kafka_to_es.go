package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// messageReader is the subset of *kafka.Reader the sink uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaToES consumes the event and audit topics and forwards records to an
// ESShipper. One reader per topic, all in the same consumer group.
type KafkaToES struct {
	kcfg      config.KafkaConfig
	es        *ESShipper
	newReader func(topic string) messageReader
}

func NewKafkaToES(kcfg config.KafkaConfig, esCfg config.ElasticConfig) *KafkaToES {
	k := &KafkaToES{
		kcfg: kcfg,
		es:   NewESShipper(esCfg),
	}
	k.newReader = func(topic string) messageReader {
		return kafka.NewReader(k.readerConfig(topic))
	}
	return k
}

// Start launches the consumers. They exit when ctx is cancelled.
func (k *KafkaToES) Start(ctx context.Context) {
	if !k.kcfg.Enabled || !k.es.cfg.Enabled {
		logger.Warn("kafka-to-es: disabled (kafka=%v elastic=%v)", k.kcfg.Enabled, k.es.cfg.Enabled)
		return
	}
	k.es.Start()

	for _, topic := range []string{k.kcfg.TopicEvents, k.kcfg.TopicAudit} {
		if topic != "" {
			go k.consume(ctx, topic)
		}
	}
}

func (k *KafkaToES) Stop(ctx context.Context) {
	k.es.Stop(ctx)
}

func (k *KafkaToES) consume(ctx context.Context, topic string) {
	reader := k.newReader(topic)
	defer func() { _ = reader.Close() }()
	log := logger.Named("kafka-to-es")

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("read error topic=%s err=%v", topic, err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		var doc map[string]any
		if err := json.Unmarshal(m.Value, &doc); err != nil {
			log.Warnf("bad json topic=%s offset=%d err=%v", topic, m.Offset, err)
			continue
		}
		if _, ok := doc["@timestamp"]; !ok {
			doc["@timestamp"] = m.Time.UTC()
		}
		doc["stream"] = topic
		if !k.es.Publish(doc) {
			log.Warnf("es buffer full, dropped topic=%s offset=%d", topic, m.Offset)
		}
	}
}

func (k *KafkaToES) readerConfig(topic string) kafka.ReaderConfig {
	minBytes := k.kcfg.MinBytes
	if minBytes <= 0 {
		minBytes = 10_000
	}
	maxBytes := k.kcfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	maxWait := k.kcfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	group := k.kcfg.GroupID
	if group == "" {
		group = "pixel-sink-es"
	}
	return kafka.ReaderConfig{
		Brokers:  k.kcfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
	}
}
