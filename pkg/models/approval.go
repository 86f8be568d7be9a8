package models

import (
	"context"
	"sync"
)

// ApprovalResponder is the rendezvous between a suspended tool call and an
// external responder. It wraps a one-shot channel in a shared cell so that
// exactly one decision is accepted; later decisions are dropped. The cancel
// path consumes the slot too, so abandoned requests do not leak a waiter.
type ApprovalResponder struct {
	once sync.Once
	ch   chan bool
}

// NewApprovalResponder creates an unresolved responder.
func NewApprovalResponder() *ApprovalResponder {
	return &ApprovalResponder{ch: make(chan bool, 1)}
}

// Respond delivers the decision. Only the first call has any effect.
func (r *ApprovalResponder) Respond(approved bool) {
	r.once.Do(func() {
		r.ch <- approved
		close(r.ch)
	})
}

// Wait blocks until a decision arrives or ctx is done. Cancellation counts
// as denial and resolves the responder so a late Respond is a no-op.
func (r *ApprovalResponder) Wait(ctx context.Context) bool {
	select {
	case approved := <-r.ch:
		return approved
	case <-ctx.Done():
		r.Respond(false)
		return false
	}
}
