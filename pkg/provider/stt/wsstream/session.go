// Package wsstream runs a streaming recognition session over a WebSocket.
//
// The hosted recognizers share one shape: binary audio messages up, JSON
// transcript events down, and a text control message that asks the server to
// flush its last results and close. A [Dialect] describes what differs
// between them; [Dial] does the rest.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

const finishGrace = 500 * time.Millisecond

// Event is what a [Dialect] makes of one server message.
type Event struct {
	// Transcript is delivered when Ok is set.
	Transcript stt.Transcript
	Ok         bool

	// Err is a failure reported by the server. The session keeps reading
	// until the server closes, then reports the first one from Err.
	Err error
}

// Dialect is the per-backend part of a session.
type Dialect struct {
	// Name prefixes errors.
	Name string

	// BatchBytes, when positive, holds audio back until at least this many
	// bytes are queued. The remainder is sent on CloseSend.
	BatchBytes int

	// Finish is the text message that asks the server to flush and close.
	Finish []byte

	// KeepAlive is sent after KeepAliveEvery without any outbound audio.
	// Both must be set to enable it.
	KeepAlive      []byte
	KeepAliveEvery time.Duration

	// Decode interprets one text message from the server.
	Decode func(data []byte) Event
}

// Dial opens the socket and starts the session. A handshake rejected with
// 400, 401 or 403 wraps [stt.ErrBackendConfig].
func Dial(ctx context.Context, url string, header http.Header, d Dialect) (*Session, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%s: dial: %w: %w", d.Name, stt.ErrBackendConfig, err)
			}
		}
		return nil, fmt.Errorf("%s: dial: %w", d.Name, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		d:        d,
		conn:     conn,
		ctx:      sctx,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.read()
	go s.write()
	return s, nil
}

// Session implements [stt.SessionHandle].
type Session struct {
	d      Dialect
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	stop     chan struct{} // closed by CloseSend
	stopOnce sync.Once
	done     chan struct{} // closed by Close
	doneOnce sync.Once
	flushed  chan struct{} // closed when the writer exits
	wg       sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*Session)(nil)

func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.stop:
		return stt.ErrSessionClosed
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.stop:
	case <-s.ctx.Done():
	}
	return stt.ErrSessionClosed
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

// CloseSend stops accepting audio. Queued audio is still sent, followed by
// the dialect's Finish message; the transcript channels close once the
// server hangs up.
func (s *Session) CloseSend() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. After CloseSend it first gives the writer up to
// finishGrace to send the remaining audio and the Finish message.
func (s *Session) Close() error {
	s.doneOnce.Do(func() {
		close(s.done)
		select {
		case <-s.stop:
			t := time.NewTimer(finishGrace)
			select {
			case <-s.flushed:
			case <-t.C:
			}
			t.Stop()
		default:
		}
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *Session) write() {
	defer s.wg.Done()
	defer close(s.flushed)

	var (
		pending []byte
		idle    <-chan time.Time
		ticker  *time.Ticker
	)
	if len(s.d.KeepAlive) > 0 && s.d.KeepAliveEvery > 0 {
		ticker = time.NewTicker(s.d.KeepAliveEvery)
		defer ticker.Stop()
		idle = ticker.C
	}
	send := func(force bool) error {
		if len(pending) == 0 || (!force && len(pending) < s.d.BatchBytes) {
			return nil
		}
		msg := pending
		pending = nil
		if ticker != nil {
			ticker.Reset(s.d.KeepAliveEvery)
		}
		return s.conn.Write(s.ctx, websocket.MessageBinary, msg)
	}

	for {
		select {
		case chunk := <-s.audio:
			pending = append(pending, chunk...)
			if err := send(false); err != nil {
				return
			}
		case <-idle:
			if err := s.conn.Write(s.ctx, websocket.MessageText, s.d.KeepAlive); err != nil {
				return
			}
		case <-s.stop:
		drain:
			for {
				select {
				case chunk := <-s.audio:
					pending = append(pending, chunk...)
				default:
					break drain
				}
			}
			if err := send(true); err != nil {
				return
			}
			_ = s.conn.Write(s.ctx, websocket.MessageText, s.d.Finish)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) read() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	// The writer has nothing left to do once the server is gone.
	defer s.cancel()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev := s.d.Decode(data)
		if ev.Err != nil {
			s.fail(ev.Err)
		}
		if !ev.Ok {
			continue
		}
		t := ev.Transcript
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		ch := s.partials
		if t.IsFinal {
			ch = s.finals
		}
		select {
		case ch <- t:
		case <-s.done:
			return
		}
	}
}

// fail records the first error that is not an orderly close.
func (s *Session) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%s: %w", s.d.Name, err)
	}
	s.mu.Unlock()
}
