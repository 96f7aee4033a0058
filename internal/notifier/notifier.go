// Package notifier is the engine's outbound boundary. The engine decides
// what to notify and when; delivery transport, retries and failures are
// the external notifier's concern and are never awaited here.
package notifier

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"covtrack/internal/models"
	"covtrack/internal/obs"
)

// FireInstruction is a fully-resolved notification handed to the external
// transport.
type FireInstruction struct {
	TargetUsers     []string               `json:"target_users"`
	TargetRoles     []string               `json:"target_roles"`
	Channel         models.ReminderChannel `json:"channel"`
	Subject         string                 `json:"subject"`
	ReferenceKind   models.ReminderRef     `json:"reference_kind"`
	ReferenceEntity uuid.UUID              `json:"reference_entity"`
	FacilityID      uuid.UUID              `json:"facility_id"`
}

// Notifier accepts fire instructions for asynchronous delivery.
type Notifier interface {
	Fire(ctx context.Context, inst FireInstruction)
}

// Dispatcher queues instructions and drains them on a background
// goroutine so callers never block on delivery.
type Dispatcher struct {
	logger *zap.Logger
	sink   chan FireInstruction
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher with the given queue depth.
func NewDispatcher(logger *zap.Logger, depth int) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		sink:   make(chan FireInstruction, depth),
		done:   make(chan struct{}),
	}
	go d.drain()
	return d
}

// Fire enqueues an instruction. A full or closed queue drops the
// instruction and logs it: reminder planning is idempotent, so a dropped
// fire resurfaces on the next tick.
func (d *Dispatcher) Fire(ctx context.Context, inst FireInstruction) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notifier closed, dropping instruction",
			zap.String("facility_id", inst.FacilityID.String()),
			zap.String("reference", inst.ReferenceEntity.String()),
		)
		return
	}

	select {
	case d.sink <- inst:
	default:
		d.logger.Warn("notifier queue full, dropping instruction",
			zap.String("facility_id", inst.FacilityID.String()),
			zap.String("reference", inst.ReferenceEntity.String()),
		)
	}
}

// Close stops the dispatcher after the queue drains. Safe to call more
// than once; a Fire that races Close is dropped, never panicked.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.sink)
	<-d.done
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for inst := range d.sink {
		// Stand-in transport: the delivery integration consumes this log
		// stream. Delivery failures are not retried here.
		d.logger.Info("reminder fired",
			zap.String("facility_id", inst.FacilityID.String()),
			zap.String("channel", string(inst.Channel)),
			zap.String("subject", inst.Subject),
			zap.Strings("target_roles", inst.TargetRoles),
			zap.Strings("target_users", inst.TargetUsers),
			zap.String("reference_kind", string(inst.ReferenceKind)),
			zap.String("reference_entity", inst.ReferenceEntity.String()),
		)
		obs.RemindersFired.WithLabelValues(string(inst.Channel)).Inc()
	}
}
