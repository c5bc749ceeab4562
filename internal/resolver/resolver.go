// Package resolver decides when task instances are unblocked by their dependencies and
// propagates upstream failures through the dependency graph.
//
// The claim path does not call into this package: the same predicate is embedded in the
// store's claim query so that checking and claiming cannot race. The resolver serves
// inspection and the background failure propagation pass.
package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"meridian/internal/domain"
)

// Blocked is a pending instance with at least one upstream that can never complete.
type Blocked struct {
	InstanceID string
	Upstream   string
	Status     domain.Status
}

// Source is the slice of the task store the resolver reads and writes.
type Source interface {
	UpstreamStatuses(ctx context.Context, instanceID string) ([]domain.Status, error)
	ListBlockedByFailedUpstream(ctx context.Context, limit int) ([]Blocked, error)
	MarkBlockedFailed(ctx context.Context, instanceID, cause string) (bool, error)
}

type Resolver struct {
	src       Source
	batchSize int
}

func New(src Source, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Resolver{src: src, batchSize: batchSize}
}

// IsUnblocked reports whether every upstream of instanceID has completed.
func (r *Resolver) IsUnblocked(ctx context.Context, instanceID string) (bool, error) {
	up, err := r.src.UpstreamStatuses(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return Unblocked(up), nil
}

// Propagate moves pending instances whose upstream dead-lettered (or was itself blocked or
// cancelled) to BLOCKED_FAILED. Passes repeat until one makes no progress, so failures
// travel transitively down the graph within a single call.
func (r *Resolver) Propagate(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		blocked, err := r.src.ListBlockedByFailedUpstream(ctx, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("list blocked instances: %w", err)
		}
		moved := 0
		for _, b := range blocked {
			cause := fmt.Sprintf("upstream %s is %s", b.Upstream, b.Status)
			ok, err := r.src.MarkBlockedFailed(ctx, b.InstanceID, cause)
			if err != nil {
				return total, fmt.Errorf("mark %s blocked: %w", b.InstanceID, err)
			}
			if ok {
				moved++
				log.Info().Str("instance_id", b.InstanceID).Str("upstream", b.Upstream).
					Str("upstream_status", string(b.Status)).Msg("instance blocked by failed upstream")
			}
		}
		total += moved
		if moved == 0 {
			return total, nil
		}
	}
}
