package recompute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covtrack/internal/engine"
)

func TestFacilityGateSerializesCureDecisions(t *testing.T) {
	gate := NewFacilityGate(nil, time.Minute)
	facilityID := uuid.New()

	// Two racing read-then-decide units against a cap of one: without
	// serialization both observe zero used cures and both grant.
	const maxCures = 1
	var usedCures, granted int

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.With(context.Background(), facilityID, func() error {
				if usedCures < maxCures {
					time.Sleep(10 * time.Millisecond)
					usedCures++
					granted++
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted, "the cap holds under concurrent submissions")
}

func TestFacilityGateBlocksAcrossGoroutines(t *testing.T) {
	gate := NewFacilityGate(nil, time.Minute)
	facilityID := uuid.New()

	var inside bool
	var overlapped bool

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.With(context.Background(), facilityID, func() error {
				if inside {
					overlapped = true
				}
				inside = true
				time.Sleep(5 * time.Millisecond)
				inside = false
				return nil
			})
		}()
	}
	wg.Wait()

	assert.False(t, overlapped, "only one unit of work runs per facility at a time")
}

func TestFacilityGateReportsBusyAsTransient(t *testing.T) {
	locker := newMemLocker()
	facilityID := uuid.New()

	// Another instance holds the cross-instance lock for the facility.
	ok, err := locker.AcquireFacilityLock(context.Background(), facilityID, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	gate := NewFacilityGate(locker, time.Minute)
	err = gate.With(context.Background(), facilityID, func() error {
		t.Fatal("must not run while another instance holds the lock")
		return nil
	})

	require.Error(t, err)
	assert.True(t, engine.IsTransient(err), "a busy facility is a retry, not a failure")
}

func TestFacilityGateReleasesLock(t *testing.T) {
	locker := newMemLocker()
	gate := NewFacilityGate(locker, time.Minute)
	facilityID := uuid.New()

	err := gate.With(context.Background(), facilityID, func() error { return nil })
	require.NoError(t, err)

	ok, err := locker.AcquireFacilityLock(context.Background(), facilityID, "other-instance", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the lock is released when the unit of work returns")
}
