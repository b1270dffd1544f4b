package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBoundsExceeded is returned when a traversal hits one of its limits.
var ErrBoundsExceeded = errors.New("graph traversal bounds exceeded")

// Bounds limits a traversal to prevent combinatorial explosion.
type Bounds struct {
	// MaxHops is the maximum path length in edges.
	MaxHops int

	// MaxNodes is the maximum number of distinct nodes visited.
	MaxNodes int

	// MaxEdges is the maximum number of edges examined.
	MaxEdges int

	// Timeout caps the wall-clock duration of the traversal.
	Timeout time.Duration
}

// Normalize applies defaults and caps.
func (b *Bounds) Normalize() {
	if b.MaxHops < 1 {
		b.MaxHops = 3
	}
	if b.MaxHops > 10 {
		b.MaxHops = 10
	}
	if b.MaxNodes < 1 {
		b.MaxNodes = 100
	}
	if b.MaxNodes > 1000 {
		b.MaxNodes = 1000
	}
	if b.MaxEdges < 1 {
		b.MaxEdges = 500
	}
	if b.MaxEdges > 5000 {
		b.MaxEdges = 5000
	}
	if b.Timeout <= 0 {
		b.Timeout = 30 * time.Second
	}
	if b.Timeout > 5*time.Minute {
		b.Timeout = 5 * time.Minute
	}
}

// boundsChecker tracks traversal progress against Bounds.
type boundsChecker struct {
	bounds       Bounds
	nodesVisited int
	edgesVisited int
	startTime    time.Time
}

func newBoundsChecker(bounds Bounds) *boundsChecker {
	bounds.Normalize()
	return &boundsChecker{bounds: bounds, startTime: time.Now()}
}

// CanContinue checks context, node, edge and timeout limits. Depth is
// enforced by the caller, which knows each path's length.
func (b *boundsChecker) CanContinue(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during graph traversal: %w", ctx.Err())
	default:
	}
	if b.nodesVisited >= b.bounds.MaxNodes {
		return fmt.Errorf("%w: max nodes (%d) exceeded", ErrBoundsExceeded, b.bounds.MaxNodes)
	}
	if b.edgesVisited >= b.bounds.MaxEdges {
		return fmt.Errorf("%w: max edges (%d) exceeded", ErrBoundsExceeded, b.bounds.MaxEdges)
	}
	if elapsed := time.Since(b.startTime); elapsed >= b.bounds.Timeout {
		return fmt.Errorf("%w: timeout (%v) exceeded after %v", ErrBoundsExceeded, b.bounds.Timeout, elapsed)
	}
	return nil
}

func (b *boundsChecker) RecordNode() { b.nodesVisited++ }
func (b *boundsChecker) RecordEdge() { b.edgesVisited++ }
