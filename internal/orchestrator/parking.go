package orchestrator

import (
	"sync"

	"tripsaga/internal/saga"
)

// parkingLot holds worker replies that arrived before the transition they depend on.
// It is per process; a restart loses parked replies and relies on worker redelivery.
type parkingLot struct {
	mu    sync.Mutex
	limit int
	byID  map[string][]saga.Reply
}

func newParkingLot(limit int) *parkingLot {
	return &parkingLot{limit: limit, byID: make(map[string][]saga.Reply)}
}

// park stores reply unless the saga's slot is full. A reply already parked for the same step and
// outcome counts as stored.
func (p *parkingLot) park(reply saga.Reply) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := p.byID[reply.CorrelationID]
	for _, r := range queued {
		if r.Step == reply.Step && r.Outcome == reply.Outcome {
			return true
		}
	}
	if len(queued) >= p.limit {
		return false
	}
	p.byID[reply.CorrelationID] = append(queued, reply)
	return true
}

func (p *parkingLot) take(id string) []saga.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	replies := p.byID[id]
	delete(p.byID, id)
	return replies
}

func (p *parkingLot) drop(id string) {
	p.mu.Lock()
	delete(p.byID, id)
	p.mu.Unlock()
}

func (p *parkingLot) len(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID[id])
}
