package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

type capture struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (c *capture) Name() string { return "capture" }

func (c *capture) Publish(_ context.Context, e types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestDispatcherPublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	sink := &capture{}
	d := NewDispatcher(memory.New(), nil, nil, sink)
	runID := uuid.New()

	err := d.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendEvent(ctx, types.NewRunEvent(runID, types.EventStepStarted, 0, nil)); err != nil {
			return err
		}
		assert.Empty(t, sink.events, "nothing is published before commit")
		return nil
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventStepStarted, sink.events[0].Type)
	assert.Equal(t, int64(1), sink.events[0].Seq)
}

func TestDispatcherDropsEventsOnRollback(t *testing.T) {
	ctx := context.Background()
	sink := &capture{}
	d := NewDispatcher(memory.New(), nil, nil, sink)

	err := d.InTx(ctx, func(tx store.Tx) error {
		_ = tx.AppendEvent(ctx, types.NewRunEvent(uuid.New(), types.EventStepStarted, 0, nil))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, sink.events)
}

func TestDispatcherLogsPublishFailure(t *testing.T) {
	ctx := context.Background()
	tl := logging.NewTestLogger()
	sink := &capture{err: errors.New("sink down")}
	d := NewDispatcher(memory.New(), tl.Logger, nil, sink)

	err := d.InTx(ctx, func(tx store.Tx) error {
		return tx.AppendEvent(ctx, types.NewRuleEvent(types.EventRuleCreated, nil))
	})
	require.NoError(t, err, "publish failures never fail the transaction")
	tl.AssertLogged(t, zapcore.WarnLevel, "failed to publish event")
}

func TestNATSPublisher(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	runID := uuid.New()
	sub, err := nc.SubscribeSync("retour.runs.*.events.>")
	require.NoError(t, err)

	p := NewNATSPublisher(nc, "")
	ev := types.NewRunEvent(runID, types.EventStateCorrected, 1, map[string]any{"expected": 1, "got": 5})
	require.NoError(t, p.Publish(context.Background(), *ev))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "retour.runs."+runID.String()+".events.state_integrity_auto_corrected", msg.Subject)

	var got types.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, types.EventStateCorrected, got.Type)
	assert.Equal(t, float64(5), got.Message["got"])
}

func TestNATSRuleSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "pipeline")
	ev := types.NewRuleEvent(types.EventRulePromoted, nil)
	assert.Equal(t, "pipeline.rules.events.rule_promoted", p.Subject(*ev))
}

func TestHubDeliversPerRun(t *testing.T) {
	h := NewHub()
	runA, runB := uuid.New(), uuid.New()

	chA, cancelA := h.Subscribe(runA, 4)
	defer cancelA()
	chB, cancelB := h.Subscribe(runB, 4)

	require.NoError(t, h.Publish(context.Background(), *types.NewRunEvent(runA, types.EventStepApproved, 1, nil)))

	select {
	case e := <-chA:
		assert.Equal(t, types.EventStepApproved, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event for run A")
	}
	assert.Len(t, chB, 0)

	cancelB()
	cancelB()
	_, open := <-chB
	assert.False(t, open)
}
