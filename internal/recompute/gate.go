package recompute

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"covtrack/internal/engine"
)

// lockRetryDelay paces cross-instance lock attempts from the manual
// action path.
const lockRetryDelay = 50 * time.Millisecond

// lockRetryAttempts bounds how long a manual action waits on another
// instance before giving up with a transient error.
const lockRetryAttempts = 5

// FacilityGate is the per-facility serialization point. Every mutating
// unit of work runs inside it, scheduled tick and manual actions alike:
// a striped in-process mutex serializes within one instance, the
// cross-instance lock serializes across instances. The two paths share
// one gate so a submission can never interleave with the tick's writes
// for the same facility.
type FacilityGate struct {
	locker Locker
	owner  string
	ttl    time.Duration

	stripes [32]sync.Mutex
}

// NewFacilityGate creates a gate. locker may be nil, which limits
// serialization to this process. ttl bounds how long a crashed holder
// keeps the cross-instance lock.
func NewFacilityGate(locker Locker, ttl time.Duration) *FacilityGate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &FacilityGate{locker: locker, owner: uuid.NewString(), ttl: ttl}
}

func (g *FacilityGate) stripe(id uuid.UUID) *sync.Mutex {
	return &g.stripes[int(id[len(id)-1])%len(g.stripes)]
}

// With runs fn while holding the facility's lock. When another instance
// holds the cross-instance lock it retries briefly, then reports a
// transient error so the caller can surface a retry.
func (g *FacilityGate) With(ctx context.Context, facilityID uuid.UUID, fn func() error) error {
	s := g.stripe(facilityID)
	s.Lock()
	defer s.Unlock()

	if g.locker != nil {
		acquired := false
		for attempt := 0; attempt < lockRetryAttempts; attempt++ {
			ok, err := g.locker.AcquireFacilityLock(ctx, facilityID, g.owner, g.ttl)
			if err != nil {
				return &engine.TransientError{Op: "acquire facility lock", Err: err}
			}
			if ok {
				acquired = true
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lockRetryDelay):
			}
		}
		if !acquired {
			return &engine.TransientError{Op: "acquire facility lock", Err: errors.New("facility is being processed elsewhere")}
		}
		defer g.locker.ReleaseFacilityLock(ctx, facilityID, g.owner)
	}

	return fn()
}
