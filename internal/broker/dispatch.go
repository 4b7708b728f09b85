package broker

import (
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/telemetry"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

// RouteResult describes how one relay message left the router.
type RouteResult struct {
	Final State
	// Code is the error sent back to the origin, or CodeNone.
	Code     protocol.ErrorCode
	Duration time.Duration
}

// RouteObserver is told about every routed relay message.
type RouteObserver interface {
	RelayRouted(r protocol.Relay, res RouteResult)
}

// consume is the single consumer of the task queue.
func (b *Broker) consume() {
	idle := time.NewTimer(b.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case t := <-b.queue:
			telemetry.QueueDepth.Set(float64(len(b.queue)))
			b.dispatch(t)
		case <-idle.C:
			b.logger.Debug("consumer idle", zap.Int("sessions", b.registry.Len()))
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(b.cfg.IdleTimeout)
	}
}

func (b *Broker) dispatch(t task) {
	r, ok := t.payload.(protocol.Relay)
	if !ok {
		b.logger.Warn("invalid task, only relay messages are routed",
			zap.String("from", t.originKey), zap.Stringer("type", t.payload.Type()))
		return
	}
	res := b.route(r, t)

	telemetry.Relays.WithLabelValues(outcomeLabel(res.Final)).Inc()
	telemetry.RouteDuration.Observe(res.Duration.Seconds())
	if res.Code != protocol.CodeNone {
		telemetry.RelayErrors.WithLabelValues(res.Code.String()).Inc()
	}
	if b.cfg.Routes != nil {
		b.cfg.Routes.RelayRouted(r, res)
	}
}

func outcomeLabel(s State) string {
	if s == StateDone {
		return "done"
	}
	return "dropped"
}

// router carries what the routing states learn about one relay message.
type router struct {
	b      *Broker
	relay  protocol.Relay
	task   task
	to     session.Session
	from   session.Session
	code   protocol.ErrorCode
	logger *zap.Logger
}

// route drives the routing state machine until it reaches a terminal state.
func (b *Broker) route(r protocol.Relay, t task) RouteResult {
	start := time.Now()
	rt := &router{
		b:     b,
		relay: r,
		task:  t,
		code:  protocol.CodeNone,
		logger: b.logger.With(
			zap.String("from", r.FromKey),
			zap.String("to", r.ToKey),
			zap.String("info", r.Info)),
	}

	state := StateNormal
	for !state.Terminal() {
		ev := rt.act(state)
		next, effects := Transition(state, ev)
		for _, e := range effects {
			rt.apply(e)
		}
		rt.logger.Debug("route step", zap.Stringer("state", state), zap.Stringer("next", next))
		state = next
	}
	if state == StateDropped {
		rt.logger.Info("relay dropped", zap.Stringer("code", rt.code))
	}
	return RouteResult{Final: state, Code: rt.code, Duration: time.Since(start)}
}

// act performs the I/O of one state and reports what happened.
func (rt *router) act(s State) Event {
	switch s {
	case StateNormal:
		to, ok := rt.b.registry.Lookup(rt.relay.ToKey)
		if !ok {
			return EvToMissing
		}
		rt.to = to
		if err := to.Send(rt.task.frame); err != nil {
			rt.logger.Warn("forward failed", zap.Error(err))
			return EvForwardFailed
		}
		return EvForwarded

	case StateSendError:
		from, ok := rt.b.registry.Lookup(rt.relay.FromKey)
		// an error goes back only to the session that sent the relay, never
		// to a newer holder of the same key
		if !ok || from != rt.task.origin {
			return EvFromMissing
		}
		rt.from = from
		reply, err := rt.relay.ErrorReply(rt.code)
		if err != nil {
			rt.logger.Error("failed to build error reply", zap.Error(err))
			return EvFromMissing
		}
		if err := from.Send(protocol.MustEncode(reply)); err != nil {
			rt.logger.Warn("error reply failed", zap.Error(err))
			return EvErrorSendFailed
		}
		return EvErrorSent
	}
	return EvStep
}

func (rt *router) apply(e Effect) {
	switch e.Kind {
	case EffectSetError:
		rt.code = e.Code
	case EffectRemoveTo:
		if rt.to != nil && rt.b.registry.RemoveSession(rt.relay.ToKey, rt.to) {
			rt.logger.Info("removed unreachable destination")
		}
	case EffectRemoveFrom:
		if rt.from != nil && rt.b.registry.RemoveSession(rt.relay.FromKey, rt.from) {
			rt.logger.Info("removed unreachable origin")
		}
	}
}
