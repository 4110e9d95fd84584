// Package events implements the session engine's event sink: publishing
// engine.Event records to a Redis stream for the ingestor to consume.
package events

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/saphalpdyl/aether/internal/engine"
)

// streamID is the default Redis stream key every BNG instance XADDs to.
const streamID = "bng_events"

// Config configures a Dispatcher.
type Config struct {
	BNGID string
	NASIP string
	// Stream overrides the stream key; empty means the default.
	Stream string
}

// Dispatcher publishes engine.Event records to a Redis stream, stamping
// each one with the instance's identity and a monotonically increasing
// per-instance sequence number the ingestor uses for ordering/dedup.
type Dispatcher struct {
	cfg        Config
	rdb        *redis.Client
	instanceID string
	seq        atomic.Uint64
}

var _ engine.EventDispatcher = (*Dispatcher)(nil)

// New builds a Dispatcher bound to rdb. instanceID is a fresh UUID,
// distinguishing this process run from any prior run of the same
// persistent BNGID across restarts.
func New(cfg Config, rdb *redis.Client) *Dispatcher {
	if cfg.Stream == "" {
		cfg.Stream = streamID
	}
	return &Dispatcher{
		cfg:        cfg,
		rdb:        rdb,
		instanceID: uuid.NewString(),
	}
}

// Dispatch XADDs ev to the event stream, flattening it into the
// string-valued field map the ingestor expects.
func (d *Dispatcher) Dispatch(ctx context.Context, ev engine.Event) error {
	now := time.Now()

	fields := map[string]any{
		"bng_id":          d.cfg.BNGID,
		"bng_instance_id": d.instanceID,
		"nas_ip":          d.cfg.NASIP,
		"seq":             strconv.FormatUint(d.seq.Add(1), 10),
		"event_type":      string(ev.Type),
		"ts":              formatUnix(now),
		"session_id":      ev.SessionID,
		"access_key":      ev.AccessKey,
		"remote_id":       ev.RemoteID,
		"circuit_id":      ev.CircuitID,
		"auth_state":      ev.AuthState,
		"status":          ev.Status,
	}
	for k, v := range ev.Fields {
		fields[k] = stringifyField(v)
	}

	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.cfg.Stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("dispatch event %s: %w", ev.Type, err)
	}
	return nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// stringifyField renders an Event.Fields value the way the original
// dispatcher's str(...) calls did, so every field lands in the stream as
// plain text regardless of its Go type.
func stringifyField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case time.Time:
		return formatUnix(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
