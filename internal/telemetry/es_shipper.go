package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// ESShipper bulk-indexes documents into daily indices. Documents carrying an
// "event_id" are indexed under that id so redelivered stream records overwrite
// instead of duplicating.
type ESShipper struct {
	cfg   config.ElasticConfig
	http  *http.Client
	ch    chan map[string]any
	wg    sync.WaitGroup
	stop  chan struct{}
	index func(time.Time) string
}

func NewESShipper(cfg config.ElasticConfig) *ESShipper {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IndexPref == "" {
		cfg.IndexPref = "pixel-events"
	}
	return &ESShipper{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		ch:   make(chan map[string]any, cfg.FlushSize*4),
		stop: make(chan struct{}),
		index: func(t time.Time) string {
			return fmt.Sprintf("%s-%04d.%02d.%02d", cfg.IndexPref, t.Year(), int(t.Month()), t.Day())
		},
	}
}

func (s *ESShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *ESShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Publish queues doc, dropping it when the buffer is full.
func (s *ESShipper) Publish(doc map[string]any) bool {
	if !s.cfg.Enabled {
		return false
	}
	select {
	case s.ch <- doc:
		return true
	default:
		return false
	}
}

func (s *ESShipper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]map[string]any, 0, s.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.bulkIndex(context.Background(), batch); err != nil {
			logger.Warn("es shipper: bulk index of %d docs failed: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case doc := <-s.ch:
			batch = append(batch, doc)
			if len(batch) >= s.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case doc := <-s.ch:
					batch = append(batch, doc)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ESShipper) bulkIndex(ctx context.Context, batch []map[string]any) error {
	var buf bytes.Buffer
	now := time.Now().UTC()
	for _, doc := range batch {
		if _, ok := doc["@timestamp"]; !ok {
			doc["@timestamp"] = now
		}
		action := map[string]any{"_index": s.index(now)}
		if id, ok := doc["event_id"].(string); ok && id != "" {
			action["_id"] = id
		}
		mb, err := json.Marshal(map[string]any{"index": action})
		if err != nil {
			return err
		}
		db, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		buf.Write(mb)
		buf.WriteByte('\n')
		buf.Write(db)
		buf.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+"/_bulk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.cfg.APIKey)
	} else if s.cfg.Username != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bulk index: status %d", resp.StatusCode)
	}
	return nil
}
