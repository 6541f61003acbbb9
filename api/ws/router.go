package ws

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/kasuganosora/lootsync/audit"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

// HandlerFunc processes a decoded WS message payload.
type HandlerFunc func(ctx context.Context, session *player.PeerSession, payload json.RawMessage) error

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers  map[string]HandlerFunc
	validator *protocol.Validator
	logger    *zap.Logger
}

// NewRouter creates a Router. A nil validator skips schema checks.
func NewRouter(validator *protocol.Validator, logger *zap.Logger) *Router {
	return &Router{
		handlers:  make(map[string]HandlerFunc),
		validator: validator,
		logger:    logger,
	}
}

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Types lists the registered message types.
func (r *Router) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch decodes raw bytes, applies the per-peer budget, the seq check and
// schema validation, then invokes the handler.
func (r *Router) Dispatch(s *player.PeerSession, raw []byte) {
	var pkt protocol.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet", zap.Int64("peer", int64(s.PeerID)), zap.Error(err))
		return
	}

	if !s.Allow() {
		r.logger.Warn("peer message budget exceeded",
			zap.Int64("peer", int64(s.PeerID)), zap.String("type", pkt.Type))
		sendError(s, "rate limit exceeded")
		return
	}

	// Seq == 0 means the peer does not number its packets.
	if !s.AcceptSeq(pkt.Seq) {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("peer", int64(s.PeerID)),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq()))
		return
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type), zap.Int64("peer", int64(s.PeerID)))
		return
	}

	if r.validator != nil {
		if err := r.validator.Validate(pkt.Type, pkt.Payload); err != nil {
			r.logger.Warn("packet failed validation",
				zap.String("type", pkt.Type), zap.Int64("peer", int64(s.PeerID)), zap.Error(err))
			sendError(s, "invalid "+pkt.Type)
			return
		}
	}

	traceID := uuid.NewString()
	ctx := audit.WithTraceID(context.Background(), traceID)
	r.invoke(ctx, fn, s, pkt, traceID)
}

// invoke runs one handler. A panic is logged and contained to the packet.
func (r *Router) invoke(ctx context.Context, fn HandlerFunc, s *player.PeerSession, pkt protocol.Packet, traceID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.String("type", pkt.Type),
				zap.Int64("peer", int64(s.PeerID)),
				zap.String("trace_id", traceID),
				zap.Any("recover", rec),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(ctx, s, pkt.Payload); err != nil {
		r.logger.Error("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("peer", int64(s.PeerID)),
			zap.String("trace_id", traceID),
			zap.Error(err))
	}
}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	return audit.TraceIDFromCtx(ctx)
}

func sendError(s *player.PeerSession, msg string) {
	if pkt, err := protocol.Encode(protocol.TypeError, protocol.ErrorMsg{Message: msg}); err == nil {
		_ = s.Send(pkt)
	}
}
