/*
stamper.go - Stamping provider contract

PURPOSE:
  Real tax-authority communication (PAC integration) is out of scope; the
  engine talks to a narrow Stamper contract instead. The simulator below
  stands in for a provider in demos and tests, with deterministic failures
  to exercise the retry path.
*/
package fiscal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StampResult is what a stamping provider returns on success.
type StampResult struct {
	StampID   string
	StampedAt time.Time
}

// Stamper submits a document for stamping. Implementations are external
// services; callers wrap invocations with explicit timeouts.
type Stamper interface {
	Stamp(ctx context.Context, doc *Document) (*StampResult, error)
}

// SimulatedPAC is a deterministic in-process stamping provider.
// When FailEveryN > 0, every Nth call fails.
type SimulatedPAC struct {
	FailEveryN int

	mu    sync.Mutex
	calls int
}

var errSimulatedRejection = errors.New("simulated PAC rejection")

func (p *SimulatedPAC) Stamp(ctx context.Context, _ *Document) (*StampResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.FailEveryN > 0 && n%p.FailEveryN == 0 {
		return nil, errSimulatedRejection
	}
	return &StampResult{StampID: uuid.NewString(), StampedAt: time.Now()}, nil
}
