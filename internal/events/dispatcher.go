// Package events records audit events alongside the state changes that
// caused them and fans them out to subscribers once the change commits.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Publisher delivers committed events to an external sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e types.Event) error
}

// Dispatcher wraps a store so that events appended inside a transaction
// are published only after that transaction commits.
type Dispatcher struct {
	store      store.TxRunner
	publishers []Publisher
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher creates a dispatcher over s.
func NewDispatcher(s store.TxRunner, log *logging.Logger, m *metrics.Metrics, publishers ...Publisher) *Dispatcher {
	if log == nil {
		log = logging.NewNop()
	}
	return &Dispatcher{store: s, publishers: publishers, log: log.Named("events"), metrics: m}
}

// InTx implements store.TxRunner.
func (d *Dispatcher) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var pending []types.Event
	err := d.store.InTx(ctx, func(tx store.Tx) error {
		pending = pending[:0]
		return fn(&recordingTx{Tx: tx, pending: &pending})
	})
	if err != nil {
		return err
	}
	d.publish(ctx, pending)
	return nil
}

// publish failures are logged and never undo the committed change;
// the events table remains the source of truth.
func (d *Dispatcher) publish(ctx context.Context, events []types.Event) {
	for _, e := range events {
		for _, p := range d.publishers {
			if err := p.Publish(ctx, e); err != nil {
				d.metrics.Published(p.Name(), "error")
				d.log.Warn(ctx, "failed to publish event",
					zap.String("sink", p.Name()),
					zap.String("type", string(e.Type)),
					zap.Error(err),
				)
				continue
			}
			d.metrics.Published(p.Name(), "ok")
		}
	}
}

type recordingTx struct {
	store.Tx
	pending *[]types.Event
}

func (r *recordingTx) AppendEvent(ctx context.Context, e *types.Event) error {
	if err := r.Tx.AppendEvent(ctx, e); err != nil {
		return err
	}
	*r.pending = append(*r.pending, *e)
	return nil
}
