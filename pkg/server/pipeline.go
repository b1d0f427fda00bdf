package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gateway/pkg/admission"
	"gateway/pkg/auth"
	"gateway/pkg/codec"
	"gateway/pkg/gwerrors"
	"gateway/pkg/logx"
	"gateway/pkg/mcp"
	"gateway/pkg/peers"
	"gateway/pkg/tracing"
)

// Handler executes canonical requests in-process. The tool-execution
// engine behind it is an external collaborator.
type Handler interface {
	Handle(ctx context.Context, req *mcp.Request) (*mcp.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *mcp.Request) (*mcp.Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	return f(ctx, req)
}

// handleRPC is the request-plane entry point: normalize, authenticate,
// admit, route, execute, serialize back into the origin format.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeRawError(w, mcp.FormatJSONRPC, gwerrors.Wrap(gwerrors.KindMalformed, err, "read body"))
		return
	}

	hints := codec.TransportHints{ContentType: r.Header.Get("Content-Type")}
	reqs, format, err := s.registry.Normalize(body, hints)
	if err != nil {
		s.writeRawError(w, format, classifyParseError(err))
		return
	}

	originCodec, _ := s.registry.Get(format)

	// Parsing and auth short-circuit before admission: the gauge is
	// untouched on these paths.
	claims, err := s.validator.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		s.writeResponses(w, originCodec, reqs, errorResponses(reqs, err))
		return
	}

	ctx, span := s.tracer.StartRequest(r.Context(), r.Header, reqs[0].Method, string(format))
	var firstErr error
	defer func() { tracing.End(span, firstErr) }()

	if tp := r.Header.Get("Traceparent"); tp != "" {
		for _, req := range reqs {
			req.SetMeta(mcp.MetaTraceParent, tp)
		}
	}

	// Batched requests execute and respond in request order.
	resps := make([]*mcp.Response, len(reqs))
	for i, req := range reqs {
		req.SetMeta(mcp.MetaClaims, claims.MetaValue())
		req.SetMeta(mcp.MetaDeadline, time.Now().Add(s.cfg.TimeoutFor(req.Method)).UTC().Format(time.RFC3339Nano))
		resp := s.serveOne(ctx, req, claims)
		resps[i] = resp
		if firstErr == nil && resp != nil && resp.IsError() {
			firstErr = resp.Err
		}
	}

	s.writeResponses(w, originCodec, reqs, resps)
}

// serveOne runs admission, routing, and execution for one canonical
// request. The returned response is nil for notifications.
func (s *Server) serveOne(ctx context.Context, req *mcp.Request, claims *auth.Claims) *mcp.Response {
	started := time.Now()
	outcome := "ok"
	defer func() {
		s.recorder.ObserveRequest(req.Method, string(req.OriginFormat()), outcome, time.Since(started))
		s.recorder.SetInFlight(s.limiter.Gauge().Current())
	}()

	if err := req.Validate(); err != nil {
		outcome = gwerrors.KindMalformed.String()
		return s.errorResponse(req, gwerrors.Wrap(gwerrors.KindMalformed, err, "invalid request"))
	}
	if !claims.AllowsMethod(req.Method) {
		outcome = gwerrors.KindForbidden.String()
		return s.errorResponse(req, gwerrors.New(gwerrors.KindForbidden, "scope does not allow %s", claims.Subject))
	}

	_, admitSpan := s.tracer.StartStage(ctx, "admission")
	ticket, admitErr := s.limiter.Admit(claims.Subject, req.Method)
	tracing.End(admitSpan, admitErr)

	if admitErr != nil {
		if gwerrors.KindOf(admitErr) == gwerrors.KindOverloaded {
			// The ceiling is reached. The request may still ride a
			// peer; only a missing peer makes it Overloaded.
			return s.serveAtCeiling(ctx, req, claims, started, &outcome)
		}
		outcome = gwerrors.KindOf(admitErr).String()
		return s.errorResponse(req, admitErr)
	}
	defer ticket.Done()

	_, pickSpan := s.tracer.StartStage(ctx, "pick")
	decision := s.picker.Pick(nil)
	pickSpan.End()

	if decision.Local() {
		return s.serveLocal(ctx, req, &outcome)
	}
	return s.serveRemote(ctx, req, decision.Remote, ticket, &outcome)
}

// serveAtCeiling handles a request that found the gauge full: it is either
// off-loaded without holding a slot, or rejected as RateLimited or
// Overloaded.
func (s *Server) serveAtCeiling(ctx context.Context, req *mcp.Request, claims *auth.Claims, _ time.Time, outcome *string) *mcp.Response {
	if !s.limiter.AllowEndpoint(claims.Subject, req.Method) {
		*outcome = gwerrors.KindRateLimited.String()
		return s.errorResponse(req, gwerrors.New(gwerrors.KindRateLimited, "rate limit exceeded for %s on %s", claims.Subject, req.Method))
	}

	decision := s.picker.PickRemote(nil)
	if decision.Local() {
		*outcome = gwerrors.KindOverloaded.String()
		return s.errorResponse(req, gwerrors.New(gwerrors.KindOverloaded, "in-flight ceiling reached and no admissible peer"))
	}
	return s.serveRemote(ctx, req, decision.Remote, nil, outcome)
}

// serveLocal executes the request in-process.
func (s *Server) serveLocal(ctx context.Context, req *mcp.Request, outcome *string) *mcp.Response {
	if s.handler == nil {
		*outcome = gwerrors.KindUpstreamUnavailable.String()
		return s.errorResponse(req, gwerrors.New(gwerrors.KindUpstreamUnavailable, "no local handler and no admissible peer"))
	}

	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		kind := gwerrors.KindOf(err)
		*outcome = kind.String()
		if kind == gwerrors.KindInternal {
			s.logger.Error("local handler failed for %s: %v", req.Method, err)
		}
		return s.errorResponse(req, err)
	}
	if req.IsNotification() {
		return nil
	}
	if resp == nil {
		*outcome = gwerrors.KindInternal.String()
		return s.errorResponse(req, gwerrors.New(gwerrors.KindInternal, "handler returned no response"))
	}
	resp.ID = req.ID
	return resp
}

// serveRemote forwards the request to the chosen peer. ticket may be nil on
// the at-ceiling path; cancellation releases it exactly once either way.
func (s *Server) serveRemote(ctx context.Context, req *mcp.Request, target *peers.Peer, ticket *admission.Ticket, outcome *string) *mcp.Response {
	req.SetMeta(mcp.MetaRoutedTo, target.NodeID)
	s.recorder.IncRoutedRemote(target.NodeID)
	logx.Debug(ctx, "forward", "off-loading %s to %s (load %.2f)", req.Method, target.NodeID, target.Load)

	forwardCtx, forwardSpan := s.tracer.StartStage(ctx, "forward")
	resp, err := s.forwarder.Forward(forwardCtx, req, target)
	tracing.End(forwardSpan, err)

	if ticket != nil && ctx.Err() != nil {
		// Client went away mid-forward; the upstream call is already
		// cancelled, release the slot now.
		ticket.Done()
	}
	if err != nil {
		*outcome = gwerrors.KindOf(err).String()
		return s.errorResponse(req, err)
	}
	if req.IsNotification() {
		return nil
	}
	if resp.IsError() {
		*outcome = gwerrors.KindUpstreamError.String()
	}
	return resp
}

// errorResponse converts an error into a canonical response for the
// request. Notifications swallow errors after logging.
func (s *Server) errorResponse(req *mcp.Request, err error) *mcp.Response {
	kind := gwerrors.KindOf(err)
	if kind == gwerrors.KindInternal {
		s.logger.Error("internal error on %s: %v", req.Method, err)
	} else {
		s.logger.Info("request %s rejected: %s", req.Method, kind)
	}
	if req.IsNotification() {
		return nil
	}
	return mcp.NewErrorResponse(req.ID, gwerrors.AsMCP(err))
}

// errorResponses maps one error onto every member of a batch.
func errorResponses(reqs []*mcp.Request, err error) []*mcp.Response {
	out := make([]*mcp.Response, len(reqs))
	for i, req := range reqs {
		if req.IsNotification() {
			continue
		}
		out[i] = mcp.NewErrorResponse(req.ID, gwerrors.AsMCP(err))
	}
	return out
}

// classifyParseError maps codec parse errors onto the taxonomy.
func classifyParseError(err error) error {
	var pe *codec.ParseError
	if !errors.As(err, &pe) {
		return gwerrors.Wrap(gwerrors.KindMalformed, err, "unparseable body")
	}
	switch pe.Kind {
	case codec.KindTooLarge:
		return gwerrors.Wrap(gwerrors.KindMalformed, pe, "body too large")
	case codec.KindUnsupportedVersion:
		return gwerrors.Wrap(gwerrors.KindMalformed, pe, "unsupported protocol version")
	case codec.KindSchemaMismatch:
		return gwerrors.Wrap(gwerrors.KindUnsupportedMethod, pe, "unsupported request shape")
	default:
		return gwerrors.Wrap(gwerrors.KindMalformed, pe, "malformed body")
	}
}
