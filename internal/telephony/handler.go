package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/internal/call"
)

// maxMessageSize bounds one inbound socket message. Media messages carry
// 20 ms of base64 audio, so this leaves ample headroom.
const maxMessageSize = 64 << 10

// SessionFactory builds a fresh, unstarted session writing to out.
type SessionFactory func(out call.Outbound) (*call.Session, error)

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = l
	}
}

// WithAcceptOptions overrides the WebSocket accept options.
func WithAcceptOptions(opts *websocket.AcceptOptions) HandlerOption {
	return func(h *Handler) {
		h.accept = opts
	}
}

// Handler serves the media-stream WebSocket. Each connection carries at most
// one stream; the session is registered in the registry for its lifetime.
type Handler struct {
	registry   *call.Registry
	newSession SessionFactory
	log        *slog.Logger
	accept     *websocket.AcceptOptions
}

// NewHandler returns a media-stream handler.
func NewHandler(registry *call.Registry, newSession SessionFactory, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:   registry,
		newSession: newSession,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "telephony")
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.Warn("telephony: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.log.With("conn_id", uuid.NewString())
	c := &connection{h: h, conn: conn, out: NewWriter(ctx, conn), log: log}
	status := c.serve(ctx)
	c.teardown()
	conn.Close(status, "")
}

// connection is the per-socket state of [Handler].
type connection struct {
	h    *Handler
	conn *websocket.Conn
	out  *Writer
	log  *slog.Logger

	sid     string
	session *call.Session
	frames  int
}

// serve reads messages until the stream stops or the socket fails, and
// returns the close status to send.
func (c *connection) serve(ctx context.Context) websocket.StatusCode {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("telephony: socket closed by peer")
			default:
				if ctx.Err() == nil {
					c.log.Debug("telephony: socket read failed", "err", err)
				}
			}
			return websocket.StatusNormalClosure
		}

		msg, err := ParseInbound(data)
		if err != nil {
			c.log.Warn("telephony: dropping message", "err", err)
			continue
		}

		switch m := msg.(type) {
		case Connected:
			c.log.Debug("telephony: connected", "protocol", m.Protocol, "version", m.Version)
		case Start:
			if status, ok := c.start(ctx, m); !ok {
				return status
			}
		case Media:
			c.media(m)
		case Stop:
			c.log.Info("telephony: stream stopped", "stream_sid", m.StreamSID)
			return websocket.StatusNormalClosure
		case Mark:
			c.log.Debug("telephony: mark played", "stream_sid", m.StreamSID, "name", m.Name)
		}
	}
}

func (c *connection) start(ctx context.Context, m Start) (websocket.StatusCode, bool) {
	if c.session != nil {
		c.log.Warn("telephony: ignoring second start on one connection", "stream_sid", m.StreamSID)
		return 0, true
	}
	c.sid = m.StreamSID
	c.log = c.log.With("stream_sid", m.StreamSID)
	c.out.Bind(m.StreamSID)

	s, err := c.h.newSession(c.out)
	if err != nil {
		c.log.Error("telephony: cannot build call", "err", err)
		return websocket.StatusInternalError, false
	}
	err = c.h.registry.Start(ctx, s, call.StartInfo{StreamSID: m.StreamSID, CallSID: m.CallSID})
	if err != nil {
		c.log.Error("telephony: cannot start call", "err", err)
		if errors.Is(err, call.ErrTooManyCalls) || errors.Is(err, call.ErrRegistryClosed) {
			return websocket.StatusTryAgainLater, false
		}
		return websocket.StatusInternalError, false
	}
	c.session = s
	c.log.Info("telephony: stream started", "call_sid", m.CallSID, "format", m.MediaFormat.Encoding)

	// A session closed from elsewhere (replacement, shutdown) hangs up.
	go func() {
		select {
		case <-s.Done():
			c.conn.Close(websocket.StatusNormalClosure, "call ended")
		case <-ctx.Done():
		}
	}()
	return 0, true
}

func (c *connection) media(m Media) {
	if c.session == nil {
		return
	}
	if m.Track != "" && m.Track != TrackInbound {
		return
	}
	c.frames++
	if c.frames%500 == 0 {
		c.log.Debug("telephony: inbound media", "frames", c.frames)
	}
	c.session.HandleMedia(m.Payload)
}

func (c *connection) teardown() {
	if c.session == nil {
		return
	}
	c.session.Close()
	c.h.registry.Remove(c.sid, c.session)
}
