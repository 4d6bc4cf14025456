package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/config"
	"github.com/devblac/chainsync/internal/indexer"
)

// Route is one configured sink together with its filter.
type Route struct {
	ID     string
	Sender Sender
	Filter *Filter
}

// BuildRoutes constructs senders and filters for every configured sink.
func BuildRoutes(sinks []config.Sink) ([]Route, error) {
	routes := make([]Route, 0, len(sinks))
	for _, s := range sinks {
		var (
			sender Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = NewWebhookSender(s.URL, s.Method, s.Template, s.Headers)
		case "kafka":
			sender, err = NewKafkaSender(s.Brokers, s.Topic)
		default:
			err = fmt.Errorf("unsupported sink type %q", s.Type)
		}
		if err != nil {
			CloseRoutes(routes)
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		filter, err := NewFilter(s.Events, s.Where)
		if err != nil {
			CloseRoutes(routes)
			return nil, fmt.Errorf("sink %s filter: %w", s.ID, err)
		}
		routes = append(routes, Route{ID: s.ID, Sender: sender, Filter: filter})
	}
	return routes, nil
}

// CloseRoutes releases senders that hold connections.
func CloseRoutes(routes []Route) {
	for _, r := range routes {
		if c, ok := r.Sender.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Relay is an event handler that forwards every applied event to the
// configured sinks. A send failure fails the event and holds the checkpoint
// below its chunk, so the next cycle rescans it. A sink may see an event more
// than once but never after it is recorded as processed.
type Relay struct {
	routes []Route
	logger *slog.Logger
}

var _ indexer.Handler = (*Relay)(nil)

// NewRelay builds a relay over routes.
func NewRelay(routes []Route, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{routes: routes, logger: logger.With("component", "relay")}
}

func (r *Relay) Handle(ctx context.Context, unit *indexer.Unit, env chain.Envelope) error {
	ts, err := unit.BlockTime(ctx, env)
	if err != nil {
		return fmt.Errorf("resolve block time: %w", err)
	}
	data, err := env.Payload()
	if err != nil {
		return err
	}
	payload := EventPayload{
		EventType:   string(env.EventType),
		Contract:    env.Contract,
		TxHash:      env.TxHash,
		BlockNumber: env.BlockNumber,
		LogIndex:    env.LogIndex,
		CampaignID:  env.CampaignID,
		Timestamp:   ts,
		Fields:      env.Fields,
		Data:        data,
	}

	for _, route := range r.routes {
		ok, err := route.Filter.Allow(payload)
		if err != nil {
			return fmt.Errorf("sink %s filter: %w", route.ID, err)
		}
		if !ok {
			continue
		}
		if err := route.Sender.Send(ctx, payload); err != nil {
			return fmt.Errorf("sink %s: %w", route.ID, err)
		}
		r.logger.Debug("event relayed", "sink", route.ID, "event_type", env.EventType, "tx_hash", env.TxHash)
	}
	return nil
}
