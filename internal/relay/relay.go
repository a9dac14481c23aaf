// Package relay implements the core engine: producer payloads enter the
// entity store through Ingest, background loops age entities out and
// mark stale producers disconnected, and a broadcast loop coalesces all
// staged changes into deltas fanned out to subscribers.
package relay

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasdabigone/msdp-web-server/internal/braceparse"
	"github.com/chasdabigone/msdp-web-server/internal/fanout"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/state"
)

// Ingest failure modes the transport layer maps to HTTP statuses.
// Parser failures pass through as *braceparse.Error.
var (
	// ErrEmptyPayload rejects empty or whitespace-only bodies.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrNoFields flags a non-empty payload that parsed to zero pairs.
	// Treated as a server fault: the parser accepted input it could not
	// extract anything from.
	ErrNoFields = errors.New("no fields parsed from non-empty payload")
	// ErrMissingName rejects payloads without a usable CHARACTER_NAME.
	ErrMissingName = errors.New("payload missing CHARACTER_NAME")
)

// Options configures a Relay. All durations are required; a zero
// ChannelCapacity falls back to 100.
type Options struct {
	PruneInterval     time.Duration
	DataTimeout       time.Duration
	BroadcastInterval time.Duration
	ConnectionTimeout time.Duration
	ChannelCapacity   int

	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Relay owns the entity store, the staging buffers, and the fan-out
// channel. All methods are safe for concurrent use.
type Relay struct {
	store   *state.Store
	staging *state.Staging
	casts   *fanout.Broadcaster[state.Delta]

	pruneInterval     time.Duration
	dataTimeout       time.Duration
	broadcastInterval time.Duration
	connectionTimeout time.Duration

	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time // swapped out by tests
}

// New builds a Relay with an empty store.
func New(opts Options) *Relay {
	capacity := opts.ChannelCapacity
	if capacity <= 0 {
		capacity = 100
	}
	return &Relay{
		store:             state.NewStore(),
		staging:           state.NewStaging(),
		casts:             fanout.New[state.Delta](capacity),
		pruneInterval:     opts.PruneInterval,
		dataTimeout:       opts.DataTimeout,
		broadcastInterval: opts.BroadcastInterval,
		connectionTimeout: opts.ConnectionTimeout,
		metrics:           opts.Metrics,
		logger:            opts.Logger.With().Str("component", "relay").Logger(),
		now:               time.Now,
	}
}

// Ingest parses one producer payload and applies it: the entity is
// inserted (replacing any previous record), marked CONNECTED=YES,
// stamped with the current time, and staged for the next delta. Any
// pending deletion for the same name is cancelled.
func (r *Relay) Ingest(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return ErrEmptyPayload
	}

	parsed, err := braceparse.Parse(payload)
	if err != nil {
		var perr *braceparse.Error
		if errors.As(err, &perr) {
			r.metrics.ParseFailures.WithLabelValues(perr.Kind.String()).Inc()
		}
		return err
	}
	if len(parsed) == 0 {
		return ErrNoFields
	}

	name, ok := entityName(parsed)
	if !ok {
		return ErrMissingName
	}

	fields := state.Fields(parsed)
	fields[state.FieldConnected] = state.ConnectedYes
	now := r.now()

	existed := r.store.Put(name, state.Entity{Fields: fields.Clone(), UpdatedAt: now})
	revived := r.staging.StageUpdate(name, fields)

	r.metrics.IngestBytes.Observe(float64(len(payload)))
	r.logger.Debug().
		Str("entity", name).
		Bool("existed", existed).
		Bool("cancelled_pending_deletion", revived).
		Msg("ingested entity update")
	return nil
}

// entityName extracts the store key from CHARACTER_NAME: a non-empty
// string is used as-is, a number in its canonical text form.
func entityName(fields map[string]any) (string, bool) {
	switch v := fields[state.FieldCharacterName].(type) {
	case string:
		if v != "" {
			return v, true
		}
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	}
	return "", false
}

// Subscribe attaches a delta receiver positioned at the fan-out tail.
// Callers must Close the receiver when done. Subscribing before taking
// a Snapshot guarantees no delta is lost in between.
func (r *Relay) Subscribe() *fanout.Receiver[state.Delta] {
	return r.casts.Subscribe()
}

// Snapshot copies the current field map of every entity.
func (r *Relay) Snapshot() map[string]state.Fields {
	return r.store.SnapshotFields()
}

// DebugSnapshot copies every full record, timestamps included.
func (r *Relay) DebugSnapshot() map[string]state.Entity {
	return r.store.Snapshot()
}

// EntityCount reports the number of entities in the store.
func (r *Relay) EntityCount() int {
	return r.store.Len()
}

// SubscriberCount reports the number of attached delta receivers.
func (r *Relay) SubscriberCount() int {
	return r.casts.ReceiverCount()
}

// Close shuts the fan-out channel; attached subscriber sessions drain
// and terminate.
func (r *Relay) Close() {
	r.casts.Close()
}

// RunPrune removes entities past the data timeout at the prune
// interval until ctx is cancelled.
func (r *Relay) RunPrune(ctx context.Context) {
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()
	r.logger.Info().
		Dur("interval", r.pruneInterval).
		Dur("data_timeout", r.dataTimeout).
		Msg("prune loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("prune loop stopped")
			return
		case <-ticker.C:
			r.pruneOnce()
		}
	}
}

func (r *Relay) pruneOnce() {
	now := r.now()
	removed := r.store.Retain(func(name string, e *state.Entity) bool {
		age := now.Sub(e.UpdatedAt)
		if age < 0 {
			// Entity stamped ahead of our clock. Keep it; a later tick
			// will age it normally once the clocks agree.
			r.logger.Warn().
				Str("entity", name).
				Time("updated_at", e.UpdatedAt).
				Msg("entity timestamp is in the future, retaining")
			return true
		}
		return age <= r.dataTimeout
	})
	if len(removed) > 0 {
		r.staging.StageDeletions(removed)
		r.metrics.EntitiesPruned.Add(float64(len(removed)))
		r.logger.Info().
			Strs("entities", removed).
			Msg("pruned entities past data timeout")
	}
	r.metrics.Entities.Set(float64(r.store.Len()))
}

// RunBroadcast drives the delta cadence until ctx is cancelled.
func (r *Relay) RunBroadcast(ctx context.Context) {
	ticker := time.NewTicker(r.broadcastInterval)
	defer ticker.Stop()
	r.logger.Info().
		Dur("interval", r.broadcastInterval).
		Dur("connection_timeout", r.connectionTimeout).
		Msg("broadcast loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("broadcast loop stopped")
			return
		case <-ticker.C:
			r.broadcastOnce()
		}
	}
}

// broadcastOnce is one tick: mark stale producers disconnected, drain
// the staging buffers, publish the delta if anyone is listening.
func (r *Relay) broadcastOnce() {
	started := time.Now()
	now := r.now()

	marked := 0
	r.store.Range(func(name string, e *state.Entity) {
		if e.Fields[state.FieldConnected] != state.ConnectedYes {
			return
		}
		if now.Sub(e.UpdatedAt) <= r.connectionTimeout {
			return
		}
		// In-place flip under the entry's shard lock; the timestamp is
		// left alone so the prune loop still sees the original age.
		e.Fields[state.FieldConnected] = state.ConnectedNo
		r.staging.StageUpdate(name, e.Fields.Clone())
		marked++
	})
	if marked > 0 {
		r.metrics.DisconnectMarks.Add(float64(marked))
		r.logger.Info().Int("count", marked).Msg("marked stale producers disconnected")
	}

	delta, ok := r.staging.Drain()
	if !ok {
		return
	}
	if r.casts.ReceiverCount() == 0 {
		r.metrics.DeltasDiscarded.Inc()
		r.logger.Debug().
			Int("updates", len(delta.Updates)).
			Int("deletions", len(delta.Deletions)).
			Msg("discarding delta, no subscribers attached")
		return
	}

	r.casts.Publish(delta)
	r.metrics.DeltasPublished.Inc()
	r.metrics.Entities.Set(float64(r.store.Len()))
	r.metrics.BroadcastFlush.Observe(time.Since(started).Seconds())
	r.logger.Debug().
		Int("updates", len(delta.Updates)).
		Int("deletions", len(delta.Deletions)).
		Msg("published delta")
}
