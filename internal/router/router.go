// Package router places claimed instances on their region's priority queue, failing over to
// a backup region when the home region's queue is unhealthy.
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"meridian/internal/domain"
	"meridian/internal/queue"
)

// Recorder notes a failover in the instance's audit trail.
type Recorder interface {
	RecordReroute(ctx context.Context, instanceID, region string) error
}

type Router struct {
	backend  queue.Backend
	recorder Recorder
	failover map[string]string
	onRoute  func(from, to string)
}

type Option func(*Router)

// WithRerouteHook is called for every failover with the origin and substitute regions.
func WithRerouteHook(fn func(from, to string)) Option {
	return func(r *Router) { r.onRoute = fn }
}

// New builds a router. failover maps a region to its designated backup region.
func New(backend queue.Backend, recorder Recorder, failover map[string]string, opts ...Option) *Router {
	r := &Router{backend: backend, recorder: recorder, failover: failover}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Target returns the region whose queue should receive an instance of region: region itself
// while healthy, else the first healthy region along the failover chain.
func (r *Router) Target(ctx context.Context, region string) (string, error) {
	seen := map[string]bool{}
	for cur := region; cur != "" && !seen[cur]; cur = r.failover[cur] {
		seen[cur] = true
		ok, err := r.backend.Healthy(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("health of %s: %w", cur, err)
		}
		if ok {
			return cur, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrNoHealthyQueue, region)
}

// Route pushes inst onto the {region}-{priority} queue and returns the queue key. A
// substitution is recorded in the audit trail before the push, so a routed entry always
// has its reroute on record.
func (r *Router) Route(ctx context.Context, inst domain.Instance) (string, error) {
	target, err := r.Target(ctx, inst.Region)
	if err != nil {
		return "", err
	}
	if target != inst.Region {
		if err := r.recorder.RecordReroute(ctx, inst.ID, target); err != nil {
			return "", fmt.Errorf("record reroute: %w", err)
		}
		log.Warn().Str("instance_id", inst.ID).Str("region", inst.Region).Str("routed_region", target).
			Msg("region queue unhealthy, failing over")
		if r.onRoute != nil {
			r.onRoute(inst.Region, target)
		}
	}
	key := queue.Key(target, inst.Priority)
	if err := r.backend.Push(ctx, key, queue.Entry{InstanceID: inst.ID, OriginRegion: inst.Region}); err != nil {
		return "", err
	}
	return key, nil
}
