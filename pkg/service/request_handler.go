package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/authz"
	"github.com/marmos91/gridrpc/pkg/metrics"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/transport"
)

// maxLoggedArg bounds the logged form of each call argument.
const maxLoggedArg = 20

// Messages sent to callers.
const (
	MsgUnauthorized    = "Unauthorized query"
	MsgUnknownAction   = "Unknown action"
	MsgNoTransfer      = "Service can't transfer files in that direction"
	MsgMalformedQuery  = "Malformed query"
	MsgMalformedFileID = "Malformed file identifier"
)

// RequestHandlerOption configures a RequestHandler.
type RequestHandlerOption func(*RequestHandler)

// WithMetrics records calls, denials and transfers in m.
func WithMetrics(m metrics.RPCMetrics) RequestHandlerOption {
	return func(rh *RequestHandler) { rh.metrics = metrics.OrNoop(m) }
}

// RequestHandler runs the connection protocol of one endpoint.
//
// Per connection:
//
//	Hello -> { action -> (RPC | FFC | FTC) }* -> close
//
// Caller-visible failures are sent as failed Outcomes and the connection
// stays usable. Transport errors and unknown actions end the connection.
type RequestHandler struct {
	handler *Handler
	engine  *authz.Engine
	metrics metrics.RPCMetrics
	log     *logger.Logger
}

// NewRequestHandler creates the protocol engine for h.
func NewRequestHandler(h *Handler, engine *authz.Engine, opts ...RequestHandlerOption) *RequestHandler {
	rh := &RequestHandler{
		handler: h,
		engine:  engine,
		metrics: metrics.NewNoopRPCMetrics(),
		log:     h.log,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

func (rh *RequestHandler) Handler() *Handler {
	return rh.handler
}

func (rh *RequestHandler) serviceName() string {
	return rh.handler.descriptor.Name
}

// HandleConnection serves t until the client goes away, a transport error
// occurs or ctx is cancelled. It always closes t.
//
// A nil return means the connection ended normally.
func (rh *RequestHandler) HandleConnection(ctx context.Context, t transport.Transport) (err error) {
	remote := addrString(t.RemoteAddr())
	defer func() {
		if r := recover(); r != nil {
			rh.log.Error("Panic in connection handler from %s: %v\n%s", remote, r, debug.Stack())
			err = fmt.Errorf("panic serving %s: %v", remote, r)
		}
		_ = t.Close()
	}()

	if err := t.Handshake(ctx); err != nil {
		rh.log.Warn("Handshake with %s failed: %v", remote, err)
		return fmt.Errorf("handshake with %s: %w", remote, err)
	}

	session, err := rh.hello(t, remote)
	if err != nil {
		return err
	}
	creds := session.Credentials()
	session.log.Debug("Connection from %s as %q (group %q, proxy=%v)", remote, creds.DN, creds.Group, creds.IsProxy)

	for {
		select {
		case <-ctx.Done():
			session.log.Debug("Connection from %s closed due to context cancellation", remote)
			return nil
		default:
		}

		raw, err := t.ReceiveRaw()
		if err != nil {
			if isDisconnect(err) {
				session.log.Debug("Connection from %s closed by client", remote)
				return nil
			}
			return fmt.Errorf("receive action from %s: %w", remote, err)
		}
		var action string
		decodeErr := protocol.Unmarshal(raw, &action)
		protocol.PutBuffer(raw)
		if decodeErr != nil {
			action = ""
		}

		keepOpen, err := rh.executeAction(ctx, session, action)
		if err != nil {
			return err
		}
		if !keepOpen {
			return nil
		}
	}
}

// executeAction runs one action. keepOpen is false when the connection
// must be closed after a protocol violation.
func (rh *RequestHandler) executeAction(ctx context.Context, s *Session, action string) (keepOpen bool, err error) {
	switch action {
	case protocol.ActionRPC:
		return true, rh.serveRPC(ctx, s)
	case protocol.ActionFromClient:
		return true, rh.serveTransfer(ctx, s, FileFromClientMethod)
	case protocol.ActionToClient:
		return true, rh.serveTransfer(ctx, s, FileToClientMethod)
	default:
		s.log.Warn("Unknown action %q from %s", action, s.remote)
		return false, s.send(outcome.Err(MsgUnknownAction))
	}
}

func (rh *RequestHandler) hello(t transport.Transport, remote string) (*Session, error) {
	raw, err := t.ReceiveRaw()
	if err != nil {
		return nil, fmt.Errorf("receive hello from %s: %w", remote, err)
	}
	var hello protocol.Hello
	err = protocol.Unmarshal(raw, &hello)
	protocol.PutBuffer(raw)

	reject := func(msg string, cause error) (*Session, error) {
		rh.log.Warn("Rejecting connection from %s: %s", remote, msg)
		if sendErr := t.Send(outcome.Err(msg)); sendErr != nil {
			rh.log.Debug("Failed to send rejection to %s: %v", remote, sendErr)
		}
		return nil, fmt.Errorf("hello from %s: %w", remote, cause)
	}

	if err != nil {
		return reject("Malformed hello", err)
	}
	if err := protocol.CheckClientVersion(protocol.Version, hello.ClientVersion); err != nil {
		return reject(err.Error(), err)
	}
	extra, err := protocol.ParseExtraCredentials(hello.ExtraCredentials)
	if err != nil {
		return reject(err.Error(), err)
	}
	if hello.Service != "" && !strings.EqualFold(hello.Service, rh.serviceName()) {
		msg := fmt.Sprintf("Service %s is not served at this endpoint", hello.Service)
		return reject(msg, errors.New(msg))
	}

	s := newSession(t, remote, hello, extra, rh.log)
	reply := outcome.Ok(map[string]any{
		"Service": rh.serviceName(),
		"Version": protocol.Version,
		"Session": s.ID,
	})
	if err := s.send(reply); err != nil {
		return nil, err
	}
	return s, nil
}

// authorize checks method for the session and logs the reason of a denial.
func (rh *RequestHandler) authorize(s *Session, method string) authz.Decision {
	d := rh.engine.Authorize(s.Credentials(), method, rh.handler)
	s.decision = d
	if !d.Allowed {
		creds := s.Credentials()
		rh.metrics.RecordUnauthorized(rh.serviceName(), rh.methodLabel(method))
		s.log.Warn("Unauthorized query to %s:%s by %q (%s@%s) from %s: %s",
			rh.serviceName(), method, creds.DN, d.Username, d.Group, s.remote, d.Reason)
	}
	return d
}

// methodLabel is the metrics label of method: its name when the handler
// exports it or it names a transfer direction, UnknownMethod otherwise.
func (rh *RequestHandler) methodLabel(method string) string {
	if method == FileFromClientMethod || method == FileToClientMethod {
		return method
	}
	if _, ok := rh.handler.Method(method); ok {
		return method
	}
	return metrics.UnknownMethod
}

func (rh *RequestHandler) serveRPC(ctx context.Context, s *Session) error {
	raw, err := s.transport.ReceiveRaw()
	if err != nil {
		return fmt.Errorf("receive query from %s: %w", s.remote, err)
	}
	var q protocol.Query
	err = protocol.Unmarshal(raw, &q)
	protocol.PutBuffer(raw)
	if err != nil {
		s.log.Warn("Malformed query from %s: %v", s.remote, err)
		return s.send(outcome.Err(MsgMalformedQuery))
	}

	return s.send(rh.dispatch(ctx, s, &q))
}

// dispatch authorizes, validates and invokes one query.
func (rh *RequestHandler) dispatch(ctx context.Context, s *Session, q *protocol.Query) outcome.Outcome {
	start := time.Now()
	service := rh.serviceName()

	d := rh.authorize(s, q.Method)
	if !d.Allowed {
		return outcome.Err(MsgUnauthorized)
	}

	s.log.Info("Executing %s(%s) for %s@%s from %s", q.Method, formatArgs(q.Args), d.Username, d.Group, s.remote)

	m, ok := rh.handler.Method(q.Method)
	if !ok {
		rh.metrics.RecordCall(service, metrics.UnknownMethod, time.Since(start), false)
		return outcome.Errf("Unknown method %s", q.Method)
	}
	if !m.Typed {
		s.log.Error("Method %s of %s has no type declaration", q.Method, service)
		rh.metrics.RecordCall(service, q.Method, time.Since(start), false)
		return outcome.Errf("Handler error for server %s while processing method %s", service, q.Method)
	}
	for i := 0; i < len(m.Types) && i < len(q.Args); i++ {
		if !m.Types[i].Accepts(q.Args[i]) {
			s.log.Debug("Parameter %d of %s is %T, expected %s", i, q.Method, q.Args[i], m.Types[i])
			rh.metrics.RecordCall(service, q.Method, time.Since(start), false)
			return outcome.Errf("Type mismatch in parameter %d", i)
		}
	}

	rh.metrics.RecordCallStart(service)
	defer rh.metrics.RecordCallEnd(service)

	call := &Call{Method: q.Method, Args: q.Args, Kwargs: q.Kwargs, Session: s}
	if call.Kwargs == nil {
		call.Kwargs = map[string]any{}
	}
	result := rh.invoke(ctx, m, call)
	rh.metrics.RecordCall(service, q.Method, time.Since(start), result.OK)
	return result
}

// invoke runs the method under its lock. Panics and returned errors
// become failed Outcomes; the lock is released on every path.
func (rh *RequestHandler) invoke(ctx context.Context, m *Method, call *Call) (result outcome.Outcome) {
	unlock := rh.handler.locks.Lock(m.Name)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			call.Session.log.Error("Panic while serving %s: %v\n%s", m.Name, r, debug.Stack())
			result = outcome.Errf("Error while serving %s: %v", m.Name, r)
		}
	}()

	res, err := m.Func(ctx, call)
	if err != nil {
		call.Session.log.Error("Error while serving %s: %v", m.Name, err)
		return outcome.Errf("Error while serving %s: %v", m.Name, err)
	}
	return res
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = truncate(fmt.Sprintf("%v", a), maxLoggedArg)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
