package reconciler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// liveRoutes returns the routings not yet on their way out. UNHEALTHY
// routes count as live so a surplus prefers evicting them over healthy
// ones instead of spawning replacements first.
func liveRoutes(view *registry.EndpointView) []types.Routing {
	out := make([]types.Routing, 0, len(view.Routings))
	for _, rt := range view.Routings {
		if rt.Status != types.RouteTerminating {
			out = append(out, rt)
		}
	}
	return out
}

// routeHealth probes the main kernel behind every bound routing and
// records the observed state, so scale-down evicts broken replicas
// first and traffic routers can skip them.
func (r *Reconciler) routeHealth(ctx context.Context) error {
	live, err := r.reg.ListEndpointsByLifecycle(ctx, types.EndpointCreated)
	if err != nil {
		return err
	}
	for _, epv := range live {
		for _, rt := range epv.Routings {
			if rt.Status == types.RouteTerminating || rt.SessionID == uuid.Nil {
				continue
			}
			view, err := r.reg.GetSession(ctx, rt.SessionID)
			if errors.Is(err, types.ErrSessionNotFound) {
				// The zombie sweep removes the routing.
				continue
			}
			if err != nil {
				r.logger.Error().Err(err).Stringer("session_id", rt.SessionID).Msg("failed to load route session")
				continue
			}
			if view.Session.Status != types.SessionRunning {
				// Replicas still starting keep PROVISIONING; dying ones
				// are the terminal sweep's problem.
				continue
			}
			main := view.MainKernel()
			if main == nil || main.AgentAddr == "" {
				continue
			}
			status := types.RouteHealthy
			liveness, err := r.agents.PingKernel(ctx, main.AgentAddr, main.ID)
			if err != nil || !liveness.Alive {
				status = types.RouteUnhealthy
			}
			if status == rt.Status {
				continue
			}
			if err := r.reg.UpdateRouteStatus(ctx, rt.ID, status); err != nil {
				r.logger.Error().Err(err).Stringer("route_id", rt.ID).Msg("failed to record route health")
				continue
			}
			if status == types.RouteUnhealthy {
				r.logger.Warn().
					Stringer("route_id", rt.ID).
					Stringer("session_id", rt.SessionID).
					Msg("route replica unhealthy")
			}
		}
	}
	return nil
}

// autoscale applies the autoscaling rules, then converges every live
// endpoint's routings toward its desired replicas and finishes the
// DESTROYING stage.
func (r *Reconciler) autoscale(ctx context.Context) error {
	adjusted, err := r.reg.AutoscaleEndpoints(ctx, time.Now())
	if err != nil {
		return err
	}
	if adjusted > 0 {
		r.logger.Info().Int("endpoints", adjusted).Msg("autoscaling rules adjusted replicas")
	}

	live, err := r.reg.ListEndpointsByLifecycle(ctx, types.EndpointCreated)
	if err != nil {
		return err
	}
	for _, epv := range live {
		routes := liveRoutes(epv)
		replicas := epv.Endpoint.Replicas
		switch {
		case len(routes) > replicas:
			r.scaleDown(ctx, routes, len(routes)-replicas, "endpoint scale-down")
		case len(routes) < replicas:
			if epv.Endpoint.Retries > r.cfg.ServiceMaxRetries {
				r.logger.Warn().
					Stringer("endpoint_id", epv.Endpoint.ID).
					Int("retries", epv.Endpoint.Retries).
					Msg("endpoint exhausted its provisioning retries, not scaling up")
				continue
			}
			r.scaleUp(ctx, &epv.Endpoint, replicas-len(routes))
		}
	}
	return r.finishDestroying(ctx)
}

// scaleDown terminates n surplus routings, preferring UNHEALTHY routes
// and then the longest-running ones.
func (r *Reconciler) scaleDown(ctx context.Context, routes []types.Routing, n int, reason string) {
	victims := make([]types.Routing, len(routes))
	copy(victims, routes)
	sort.SliceStable(victims, func(i, j int) bool {
		iu := victims[i].Status == types.RouteUnhealthy
		ju := victims[j].Status == types.RouteUnhealthy
		if iu != ju {
			return iu
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	if n > len(victims) {
		n = len(victims)
	}
	for _, rt := range victims[:n] {
		r.terminateRoute(ctx, rt, reason)
		metrics.AutoscaleActions.WithLabelValues("down").Inc()
	}
}

// terminateRoute marks the routing TERMINATING and pushes its replica
// session into the terminal sweep.
func (r *Reconciler) terminateRoute(ctx context.Context, rt types.Routing, reason string) {
	if err := r.reg.UpdateRouteStatus(ctx, rt.ID, types.RouteTerminating); err != nil {
		r.logger.Error().Err(err).Stringer("route_id", rt.ID).Msg("failed to mark route terminating")
		return
	}
	if rt.SessionID != uuid.Nil {
		view, err := r.reg.GetSession(ctx, rt.SessionID)
		switch {
		case errors.Is(err, types.ErrSessionNotFound):
			// The zombie sweep removes the routing.
		case err != nil:
			r.logger.Error().Err(err).Stringer("session_id", rt.SessionID).Msg("failed to load route session")
		case !view.Session.Status.IsTerminal() && view.Session.Status != types.SessionTerminating:
			if err := r.reg.MarkSessionStatus(ctx, rt.SessionID, types.SessionTerminating, reason); err != nil {
				r.logger.Error().Err(err).Stringer("session_id", rt.SessionID).Msg("failed to terminate route session")
			}
		}
	}
	ev := events.New(events.EventRouteTerminated)
	ev.RouteID = rt.ID
	ev.EndpointID = rt.EndpointID
	ev.SessionID = rt.SessionID
	ev.Reason = reason
	r.broadcast(ctx, ev)
}

// scaleUp creates n fresh routings and hands each to the anycast
// route-provisioner, which spawns the replica session.
func (r *Reconciler) scaleUp(ctx context.Context, ep *types.Endpoint, n int) {
	for i := 0; i < n; i++ {
		route, err := r.reg.CreateRouting(ctx, ep.ID)
		if err != nil {
			r.logger.Error().Err(err).Stringer("endpoint_id", ep.ID).Msg("failed to create routing")
			if rerr := r.reg.IncrementEndpointRetries(ctx, ep.ID); rerr != nil {
				r.logger.Error().Err(rerr).Stringer("endpoint_id", ep.ID).Msg("failed to record endpoint retry")
			}
			return
		}
		ev := events.New(events.EventRouteCreated)
		ev.RouteID = route.ID
		ev.EndpointID = ep.ID
		if err := r.bus.Anycast(ctx, ev); err != nil {
			r.logger.Error().Err(err).Stringer("route_id", route.ID).Msg("failed to emit route created event")
		}
		metrics.AutoscaleActions.WithLabelValues("up").Inc()
	}
}

// finishDestroying tears down DESTROYING endpoints: every routing's
// session is terminated, and once all replica sessions are gone the
// endpoint transitions to DESTROYED and its routings are removed.
func (r *Reconciler) finishDestroying(ctx context.Context) error {
	destroying, err := r.reg.ListEndpointsByLifecycle(ctx, types.EndpointDestroying)
	if err != nil {
		return err
	}
	var done, goneSessions []uuid.UUID
	for _, epv := range destroying {
		remaining := 0
		for _, rt := range epv.Routings {
			if rt.SessionID == uuid.Nil {
				continue
			}
			view, err := r.reg.GetSession(ctx, rt.SessionID)
			switch {
			case errors.Is(err, types.ErrSessionNotFound):
				goneSessions = append(goneSessions, rt.SessionID)
			case err != nil:
				r.logger.Error().Err(err).Stringer("session_id", rt.SessionID).Msg("failed to load route session")
				remaining++
			case view.Session.Status.IsTerminal():
				goneSessions = append(goneSessions, rt.SessionID)
			default:
				remaining++
				if rt.Status != types.RouteTerminating {
					r.terminateRoute(ctx, rt, "endpoint destroying")
				}
			}
		}
		if remaining == 0 {
			done = append(done, epv.Endpoint.ID)
		}
	}
	if len(done) == 0 {
		return nil
	}
	if err := r.reg.DestroyTerminatedEndpointsAndRoutes(ctx, done, goneSessions); err != nil {
		return err
	}
	r.logger.Info().Int("endpoints", len(done)).Msg("destroyed endpoints")
	return nil
}

// zombieSweep reaps routings whose endpoint or session disappeared.
func (r *Reconciler) zombieSweep(ctx context.Context) error {
	n, err := r.reg.CleanZombieRoutes(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.ZombieRoutesCleaned.Add(float64(n))
		r.logger.Info().Int("routes", n).Msg("cleaned zombie routes")
	}
	return nil
}

// onEvent provisions the replica session behind a freshly created
// routing. Exactly one reconciler replica consumes each event.
func (r *Reconciler) onEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.EventRouteCreated {
		return nil
	}
	return r.provisionRoute(ctx, ev)
}

func (r *Reconciler) provisionRoute(ctx context.Context, ev *events.Event) error {
	epv, err := r.reg.GetEndpoint(ctx, ev.EndpointID)
	var notFound *types.NotFoundError
	if errors.As(err, &notFound) {
		// Endpoint destroyed between scale-up and consumption; the
		// zombie sweep removes the routing.
		return nil
	}
	if err != nil {
		return err
	}
	ep := epv.Endpoint

	sessionID := uuid.New()
	view := &registry.SessionView{
		Session: types.Session{
			ID:             sessionID,
			Name:           ep.Name + "-" + ev.RouteID.String()[:8],
			Type:           types.SessionInference,
			ClusterMode:    types.ClusterSingleNode,
			ClusterSize:    1,
			RequestedSlots: ep.RequestedSlots,
			UserUUID:       ep.UserUUID,
			AccessKey:      ep.AccessKey,
			Domain:         ep.Domain,
			GroupID:        ep.GroupID,
			ScalingGroup:   ep.ScalingGroup,
			Image:          ep.Image,
		},
		Kernels: []types.Kernel{{
			ID:             uuid.New(),
			SessionID:      sessionID,
			Role:           types.KernelRoleMain,
			Architecture:   ep.Image.Architecture,
			Image:          ep.Image,
			RequestedSlots: ep.RequestedSlots,
		}},
	}
	if err := r.reg.CreateSession(ctx, view); err != nil {
		r.logger.Error().Err(err).
			Stringer("endpoint_id", ep.ID).
			Stringer("route_id", ev.RouteID).
			Msg("failed to create replica session")
		if rerr := r.reg.IncrementEndpointRetries(ctx, ep.ID); rerr != nil {
			r.logger.Error().Err(rerr).Stringer("endpoint_id", ep.ID).Msg("failed to record endpoint retry")
		}
		// Retire the empty routing; the autoscale loop recreates one
		// while the retry budget lasts.
		if rerr := r.reg.UpdateRouteStatus(ctx, ev.RouteID, types.RouteTerminating); rerr != nil {
			r.logger.Error().Err(rerr).Stringer("route_id", ev.RouteID).Msg("failed to retire empty routing")
		}
		return nil
	}
	if err := r.reg.BindRoutingSession(ctx, ev.RouteID, sessionID); err != nil {
		r.logger.Error().Err(err).
			Stringer("route_id", ev.RouteID).
			Stringer("session_id", sessionID).
			Msg("failed to bind routing session")
	}

	wake := events.New(events.EventDoSchedule)
	wake.Reason = ep.ScalingGroup
	if err := r.bus.Anycast(ctx, wake); err != nil {
		r.logger.Warn().Err(err).Msg("failed to wake scheduler for replica session")
	}
	r.logger.Info().
		Stringer("endpoint_id", ep.ID).
		Stringer("route_id", ev.RouteID).
		Stringer("session_id", sessionID).
		Msg("provisioned replica session")
	return nil
}
