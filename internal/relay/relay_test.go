package relay

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasdabigone/msdp-web-server/internal/braceparse"
	"github.com/chasdabigone/msdp-web-server/internal/fanout"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/state"
)

const alicePayload = "{CHARACTER_NAME}{Alice}{HP}{100}"

func newTestRelay(t *testing.T) (*Relay, *time.Time) {
	t.Helper()
	r := New(Options{
		PruneInterval:     time.Minute,
		DataTimeout:       5 * time.Minute,
		BroadcastInterval: 200 * time.Millisecond,
		ConnectionTimeout: 5 * time.Second,
		ChannelCapacity:   8,
		Metrics:           metrics.NewRegistry(),
		Logger:            zerolog.Nop(),
	})
	current := time.Unix(1700000000, 0)
	r.now = func() time.Time { return current }
	return r, &current
}

func recvDelta(t *testing.T, rcv *fanout.Receiver[state.Delta]) state.Delta {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := rcv.Recv(ctx)
	require.NoError(t, err)
	return d
}

func assertNoDelta(t *testing.T, rcv *fanout.Receiver[state.Delta]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rcv.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngestStoresEntity(t *testing.T) {
	r, _ := newTestRelay(t)

	require.NoError(t, r.Ingest(alicePayload))

	e, ok := r.store.Get("Alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", e.Fields[state.FieldCharacterName])
	assert.Equal(t, int64(100), e.Fields["HP"])
	assert.Equal(t, state.ConnectedYes, e.Fields[state.FieldConnected])
	assert.True(t, e.UpdatedAt.Equal(time.Unix(1700000000, 0)))
}

// A fresh ingest replaces the whole record; fields absent from the new
// payload do not survive from the old one.
func TestIngestReplacesPreviousRecord(t *testing.T) {
	r, _ := newTestRelay(t)

	require.NoError(t, r.Ingest("{CHARACTER_NAME}{Alice}{HP}{100}"))
	require.NoError(t, r.Ingest("{CHARACTER_NAME}{Alice}{MANA}{50}"))

	e, ok := r.store.Get("Alice")
	require.True(t, ok)
	assert.Equal(t, int64(50), e.Fields["MANA"])
	assert.NotContains(t, e.Fields, "HP")
}

func TestIngestRejections(t *testing.T) {
	r, _ := newTestRelay(t)

	require.ErrorIs(t, r.Ingest(""), ErrEmptyPayload)
	require.ErrorIs(t, r.Ingest("  \n\t "), ErrEmptyPayload)
	require.ErrorIs(t, r.Ingest("{HP}{10}"), ErrMissingName)
	require.ErrorIs(t, r.Ingest("{CHARACTER_NAME}{}"), ErrMissingName)
	require.ErrorIs(t, r.Ingest("{}{x}"), ErrNoFields)

	assert.Zero(t, r.EntityCount())
}

func TestIngestParseFailureLeavesStoreUntouched(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))

	err := r.Ingest("{CHARACTER_NAME}{Alice")
	var perr *braceparse.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, braceparse.MissingValueClose, perr.Kind)

	assert.Equal(t, 1, r.EntityCount())
	got := testutil.ToFloat64(r.metrics.ParseFailures.WithLabelValues("missing_value_close"))
	assert.Equal(t, 1.0, got)
}

// Numeric CHARACTER_NAME values key the store by their canonical text.
func TestIngestNumericName(t *testing.T) {
	r, _ := newTestRelay(t)

	require.NoError(t, r.Ingest("{CHARACTER_NAME}{42}{HP}{1}"))
	require.NoError(t, r.Ingest("{CHARACTER_NAME}{3.5}{HP}{2}"))

	assert.True(t, r.store.Contains("42"))
	assert.True(t, r.store.Contains("3.5"))
}

func TestIngestCancelsPendingDeletion(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))
	r.staging.StageDeletion("Alice") // as the prune loop would

	require.NoError(t, r.Ingest(alicePayload))

	d, ok := r.staging.Drain()
	require.True(t, ok)
	assert.Contains(t, d.Updates, "Alice")
	assert.Empty(t, d.Deletions)
}

func TestBroadcastPublishesStagedChanges(t *testing.T) {
	r, _ := newTestRelay(t)
	rcv := r.Subscribe()
	defer rcv.Close()

	require.NoError(t, r.Ingest(alicePayload))
	r.broadcastOnce()

	d := recvDelta(t, rcv)
	require.Contains(t, d.Updates, "Alice")
	assert.Equal(t, int64(100), d.Updates["Alice"]["HP"])
	assert.Equal(t, state.ConnectedYes, d.Updates["Alice"][state.FieldConnected])
	assert.Empty(t, d.Deletions)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.DeltasPublished))
}

// Two ingests for the same entity inside one tick coalesce into a
// single update carrying the latest record.
func TestBroadcastCoalescesToLatest(t *testing.T) {
	r, _ := newTestRelay(t)
	rcv := r.Subscribe()
	defer rcv.Close()

	require.NoError(t, r.Ingest("{CHARACTER_NAME}{Alice}{HP}{100}"))
	require.NoError(t, r.Ingest("{CHARACTER_NAME}{Alice}{HP}{50}"))
	r.broadcastOnce()

	d := recvDelta(t, rcv)
	require.Len(t, d.Updates, 1)
	assert.Equal(t, int64(50), d.Updates["Alice"]["HP"])
}

func TestBroadcastNoChangesPublishesNothing(t *testing.T) {
	r, _ := newTestRelay(t)
	rcv := r.Subscribe()
	defer rcv.Close()

	r.broadcastOnce()

	assertNoDelta(t, rcv)
}

func TestBroadcastMarksStaleDisconnected(t *testing.T) {
	r, clock := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))
	rcv := r.Subscribe()
	defer rcv.Close()
	r.broadcastOnce()
	recvDelta(t, rcv) // flush the ingest delta

	*clock = clock.Add(6 * time.Second) // past the 5s connection timeout
	r.broadcastOnce()

	d := recvDelta(t, rcv)
	require.Contains(t, d.Updates, "Alice")
	assert.Equal(t, state.ConnectedNo, d.Updates["Alice"][state.FieldConnected])
	assert.Empty(t, d.Deletions)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.DisconnectMarks))

	// The timestamp is untouched so the prune loop sees the true age.
	e, ok := r.store.Get("Alice")
	require.True(t, ok)
	assert.True(t, e.UpdatedAt.Equal(time.Unix(1700000000, 0)))
}

// CONNECTED=NO is absorbing: later ticks stay silent until a fresh
// ingest flips the entity back.
func TestDisconnectMarkIsAbsorbing(t *testing.T) {
	r, clock := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))
	rcv := r.Subscribe()
	defer rcv.Close()
	r.broadcastOnce()
	recvDelta(t, rcv)

	*clock = clock.Add(6 * time.Second)
	r.broadcastOnce()
	recvDelta(t, rcv) // the disconnect mark

	*clock = clock.Add(6 * time.Second)
	r.broadcastOnce()
	assertNoDelta(t, rcv)

	require.NoError(t, r.Ingest(alicePayload))
	r.broadcastOnce()
	d := recvDelta(t, rcv)
	assert.Equal(t, state.ConnectedYes, d.Updates["Alice"][state.FieldConnected])
}

func TestPruneRemovesExpiredEntities(t *testing.T) {
	r, clock := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))
	rcv := r.Subscribe()
	defer rcv.Close()
	r.broadcastOnce()
	recvDelta(t, rcv)

	*clock = clock.Add(5*time.Minute + time.Second)
	r.pruneOnce()

	assert.Zero(t, r.EntityCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.EntitiesPruned))

	r.broadcastOnce()
	d := recvDelta(t, rcv)
	assert.Empty(t, d.Updates)
	assert.Equal(t, []string{"Alice"}, d.Deletions)
}

// Removal requires age strictly beyond the timeout.
func TestPruneKeepsEntityAtExactTimeout(t *testing.T) {
	r, clock := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))

	*clock = clock.Add(5 * time.Minute)
	r.pruneOnce()

	assert.Equal(t, 1, r.EntityCount())
}

// An entity stamped ahead of our clock is never pruned on that tick.
func TestPruneRetainsFutureTimestamped(t *testing.T) {
	r, clock := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))

	*clock = clock.Add(-time.Hour)
	r.pruneOnce()

	assert.Equal(t, 1, r.EntityCount())
}

func TestBroadcastDiscardsDeltaWithoutSubscribers(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))

	r.broadcastOnce()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.DeltasDiscarded))

	// The staged changes are gone; a late subscriber starts clean.
	rcv := r.Subscribe()
	defer rcv.Close()
	r.broadcastOnce()
	assertNoDelta(t, rcv)
}

// Subscribing before snapshotting closes the attach gap: anything
// ingested after the snapshot arrives as a delta.
func TestSubscribeThenSnapshotLosesNothing(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))
	r.staging.Drain() // simulate a tick that already flushed Alice

	rcv := r.Subscribe()
	defer rcv.Close()
	snap := r.Snapshot()
	require.Contains(t, snap, "Alice")

	require.NoError(t, r.Ingest("{CHARACTER_NAME}{Bob}{HP}{7}"))
	r.broadcastOnce()
	d := recvDelta(t, rcv)
	assert.Contains(t, d.Updates, "Bob")
}

func TestCloseEndsSubscribers(t *testing.T) {
	r, _ := newTestRelay(t)
	rcv := r.Subscribe()
	defer rcv.Close()

	r.Close()

	_, err := rcv.Recv(context.Background())
	require.ErrorIs(t, err, fanout.ErrClosed)
}

func TestRunLoopsStopOnCancel(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{}, 2)
	go func() { r.RunPrune(ctx); done <- struct{}{} }()
	go func() { r.RunBroadcast(ctx); done <- struct{}{} }()
	cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("background loop did not stop on cancel")
		}
	}
}

func TestDebugSnapshotCarriesTimestamps(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.Ingest(alicePayload))

	snap := r.DebugSnapshot()
	require.Contains(t, snap, "Alice")
	assert.True(t, snap["Alice"].UpdatedAt.Equal(time.Unix(1700000000, 0)))
}
