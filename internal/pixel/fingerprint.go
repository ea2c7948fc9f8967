package pixel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

const (
	fingerprintKey    = "fingerprint"
	fingerprintPrefix = "fp_"
	componentSep      = "|"
)

// Generator derives the device fingerprint and caches it in Storage.
type Generator struct {
	storage *Storage
	probes  []Probe
	now     func() time.Time

	mu sync.Mutex
}

// NewGenerator sorts probes into ProbeOrder.
func NewGenerator(storage *Storage, probes ...Probe) *Generator {
	return &Generator{storage: storage, probes: sortProbes(probes), now: time.Now}
}

// HashComponents is the id of a fixed-order component list: prefix plus the
// first 32 hex chars of the SHA-256 of the joined components.
func HashComponents(components []string) string {
	sum := sha256.Sum256([]byte(strings.Join(components, componentSep)))
	return fingerprintPrefix + hex.EncodeToString(sum[:])[:32]
}

// GetOrCreate returns the cached id or probes the device, hashes and caches
// the result. When storage is unusable the id is recomputed on every call.
func (g *Generator) GetOrCreate(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if raw, ok := g.storage.Get(fingerprintKey); ok {
		var fp models.Fingerprint
		if err := json.Unmarshal([]byte(raw), &fp); err == nil && fp.ID != "" {
			return fp.ID, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fp := g.Compute(ctx)
	raw, err := json.Marshal(fp)
	if err != nil {
		return fp.ID, nil
	}
	if err := g.storage.Set(fingerprintKey, string(raw), 0); err != nil {
		return fp.ID, err
	}
	return fp.ID, nil
}

// Seed stores an id received from another origin without probing.
func (g *Generator) Seed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, err := json.Marshal(models.Fingerprint{ID: id, CreatedAt: g.now().UTC()})
	if err != nil {
		return err
	}
	return g.storage.Set(fingerprintKey, string(raw), 0)
}

// Compute runs every probe without touching storage. Async probes run
// concurrently and are joined before the sync probes are read. The join
// never fails: a failed probe contributes its sentinel.
func (g *Generator) Compute(ctx context.Context) models.Fingerprint {
	results := make([]ProbeResult, len(g.probes))

	var eg errgroup.Group
	for i, p := range g.probes {
		if !p.Async {
			continue
		}
		eg.Go(func() error {
			results[i] = runProbe(ctx, p)
			return nil
		})
	}
	_ = eg.Wait()

	for i, p := range g.probes {
		if p.Async {
			continue
		}
		results[i] = runProbe(ctx, p)
	}

	components := make([]string, len(results))
	for i, r := range results {
		components[i] = r.Component()
	}
	return models.Fingerprint{
		ID:         HashComponents(components),
		Components: components,
		CreatedAt:  g.now().UTC(),
	}
}
