// Package feed bridges upstream producers on the Redis bus into the engine:
// scored opportunities from a stream, and price ticks into the price cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// OpportunitiesStream is the stream the scorer appends signals to.
const OpportunitiesStream = "opportunities"

// StreamConfig tunes an OpportunityStream.
type StreamConfig struct {
	BatchSize  int           // entries per XREAD
	MaxBatches int           // reads per Fetch
	MaxAge     time.Duration // signals scored earlier than this are dropped
}

// OpportunityStream implements domain.OpportunitySource by draining new
// entries from the opportunities stream. Each Fetch returns the newest
// signal per symbol seen since the previous Fetch.
type OpportunityStream struct {
	bus    domain.SignalBus
	cfg    StreamConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastID string
}

// NewOpportunityStream creates a stream reader starting at the beginning.
func NewOpportunityStream(bus domain.SignalBus, cfg StreamConfig, logger *slog.Logger) *OpportunityStream {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	return &OpportunityStream{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "opportunity_stream")),
		now:    time.Now,
		lastID: "0",
	}
}

// Fetch reads everything appended since the last call.
func (s *OpportunityStream) Fetch(ctx context.Context) ([]domain.OpportunitySignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]domain.OpportunitySignal)
	for i := 0; i < s.cfg.MaxBatches; i++ {
		msgs, err := s.bus.StreamRead(ctx, OpportunitiesStream, s.lastID, s.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("feed: fetch opportunities: %w", err)
		}
		for _, m := range msgs {
			s.lastID = m.ID
			sig, err := decodeSignal(m.Payload)
			if err != nil {
				s.logger.WarnContext(ctx, "feed: malformed opportunity",
					slog.String("id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if s.cfg.MaxAge > 0 && !sig.ScoredAt.IsZero() && s.now().Sub(sig.ScoredAt) > s.cfg.MaxAge {
				continue
			}
			if prev, ok := latest[sig.Symbol]; ok && prev.ScoredAt.After(sig.ScoredAt) {
				continue
			}
			latest[sig.Symbol] = sig
		}
		if len(msgs) < s.cfg.BatchSize {
			break
		}
	}

	out := make([]domain.OpportunitySignal, 0, len(latest))
	for _, sig := range latest {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func decodeSignal(data []byte) (domain.OpportunitySignal, error) {
	var sig domain.OpportunitySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, err
	}
	sig.Symbol = strings.TrimSpace(sig.Symbol)
	if sig.Symbol == "" {
		return sig, fmt.Errorf("missing symbol")
	}
	if sig.Side != "" && !sig.Side.Valid() {
		return sig, fmt.Errorf("unknown side %q", sig.Side)
	}
	return sig, nil
}

var _ domain.OpportunitySource = (*OpportunityStream)(nil)
