package notifier

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"covtrack/internal/models"
)

func instruction() FireInstruction {
	return FireInstruction{
		TargetRoles:     []string{"agent"},
		Channel:         models.ChannelEmail,
		Subject:         "Annual financial statements due in 7 days",
		ReferenceKind:   models.ReminderRefEvent,
		ReferenceEntity: uuid.New(),
		FacilityID:      uuid.New(),
	}
}

func TestDispatcherDeliversQueuedInstructions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewDispatcher(zap.New(core), 8)

	for i := 0; i < 3; i++ {
		d.Fire(context.Background(), instruction())
	}
	d.Close()

	assert.Equal(t, 3, logs.FilterMessage("reminder fired").Len())
}

func TestDispatcherFireAfterClose(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(zap.New(core), 1)
	d.Close()

	// Must drop, not panic on the closed queue.
	d.Fire(context.Background(), instruction())

	assert.Equal(t, 1, logs.FilterMessage("notifier closed, dropping instruction").Len())
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 1)
	d.Close()
	d.Close()
}
