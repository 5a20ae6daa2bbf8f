package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/call"
)

// DefaultWriteTimeout bounds a single socket write.
const DefaultWriteTimeout = 5 * time.Second

// ErrNotBound is returned by Writer methods before a stream id is bound.
var ErrNotBound = errors.New("telephony: writer has no stream sid")

// FrameWriter is the write half of a socket. *websocket.Conn implements it.
type FrameWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Writer sends outbound protocol messages for one stream. The sequence
// counter is shared by every job of the call and never reset. All methods
// are safe for concurrent use; messages reach the socket in sequence order.
type Writer struct {
	conn    FrameWriter
	ctx     context.Context
	timeout time.Duration

	mu  sync.Mutex
	sid string
	seq int64
}

var _ call.Outbound = (*Writer)(nil)

// NewWriter returns a writer on conn. ctx bounds every write.
func NewWriter(ctx context.Context, conn FrameWriter) *Writer {
	return &Writer{conn: conn, ctx: ctx, timeout: DefaultWriteTimeout}
}

// Bind sets the stream id used in outbound messages.
func (w *Writer) Bind(streamSID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sid = streamSID
}

// StreamSID returns the bound stream id.
func (w *Writer) StreamSID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sid
}

// Sequence returns the number of media frames sent so far.
func (w *Writer) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// SendMedia sends one μ-law frame with the next sequence number.
func (w *Writer) SendMedia(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sid == "" {
		return ErrNotBound
	}
	w.seq++
	return w.writeLocked(outMedia{
		Event:          EventMedia,
		StreamSID:      w.sid,
		SequenceNumber: w.seq,
		Media:          outMediaBody{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendMark sends a named mark.
func (w *Writer) SendMark(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sid == "" {
		return ErrNotBound
	}
	return w.writeLocked(outMark{Event: EventMark, StreamSID: w.sid, Mark: wireMark{Name: name}})
}

// SendClear tells the far end to drop audio it has buffered.
func (w *Writer) SendClear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sid == "" {
		return ErrNotBound
	}
	return w.writeLocked(outClear{Event: EventClear, StreamSID: w.sid})
}

func (w *Writer) writeLocked(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("telephony: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}
