package usecase

import "context"

// slotGuard admits one verification at a time against an oracle whose result
// slot is shared by every job. Waiting respects cancellation.
type slotGuard struct {
	ch chan struct{}
}

func newSlotGuard() *slotGuard {
	return &slotGuard{ch: make(chan struct{}, 1)}
}

func (g *slotGuard) acquire(ctx context.Context) (func(), error) {
	select {
	case g.ch <- struct{}{}:
		return func() { <-g.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
