package calllog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMemStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.StartCall(ctx, Call{StreamSID: "MZ1", CallSID: "CA1", StartedAt: start}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	_ = s.AddTurn(ctx, Turn{StreamSID: "MZ1", UserText: "hello", ReplyText: "hi"})
	_ = s.AddTurn(ctx, Turn{StreamSID: "MZ1", UserText: "bye", ReplyText: "goodbye", Speculative: true})
	_ = s.EndCall(ctx, "MZ1", start.Add(time.Minute))

	c, ok := s.Call("MZ1")
	if !ok {
		t.Fatal("call MZ1 not found")
	}
	if !c.EndedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("EndedAt = %v, want %v", c.EndedAt, start.Add(time.Minute))
	}
	turns := s.Turns("MZ1")
	if len(turns) != 2 || turns[1].UserText != "bye" || !turns[1].Speculative {
		t.Errorf("Turns = %+v", turns)
	}

	// Restarting a stream id resets it.
	_ = s.StartCall(ctx, Call{StreamSID: "MZ1", StartedAt: start.Add(time.Hour)})
	if got := len(s.Turns("MZ1")); got != 0 {
		t.Errorf("turns after restart = %d, want 0", got)
	}
	if c, _ := s.Call("MZ1"); !c.EndedAt.IsZero() {
		t.Errorf("EndedAt after restart = %v, want zero", c.EndedAt)
	}
	if got := len(s.Calls()); got != 1 {
		t.Errorf("len(Calls) = %d, want 1", got)
	}

	// Unknown ids are ignored.
	if err := s.EndCall(ctx, "nope", start); err != nil {
		t.Errorf("EndCall(unknown) = %v", err)
	}
}

func TestRecorder_AppliesWritesInOrder(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	r := NewRecorder(s)
	r.CallStarted(Call{StreamSID: "MZ1"})
	r.TurnCompleted(Turn{StreamSID: "MZ1", UserText: "one"})
	r.TurnCompleted(Turn{StreamSID: "MZ1", UserText: "two"})
	r.CallEnded("MZ1", time.Unix(100, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	turns := s.Turns("MZ1")
	if len(turns) != 2 || turns[0].UserText != "one" || turns[1].UserText != "two" {
		t.Errorf("Turns = %+v", turns)
	}
	if c, _ := s.Call("MZ1"); c.EndedAt.Unix() != 100 {
		t.Errorf("EndedAt = %v", c.EndedAt)
	}

	// Writes after Close are discarded without panicking.
	r.TurnCompleted(Turn{StreamSID: "MZ1", UserText: "late"})
	if err := r.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// blockingStore blocks every write until release is closed.
type blockingStore struct {
	MemStore
	release chan struct{}
	mu      sync.Mutex
	writes  int
}

func (b *blockingStore) AddTurn(ctx context.Context, t Turn) error {
	<-b.release
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	return nil
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	bs := &blockingStore{release: make(chan struct{})}
	r := NewRecorder(bs, WithQueueSize(1))

	// One write is picked up by the writer, one waits in the queue and the
	// rest are dropped. Submission never blocks.
	done := make(chan struct{})
	go func() {
		for range 10 {
			r.TurnCompleted(Turn{StreamSID: "MZ1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TurnCompleted blocked on a full queue")
	}

	close(bs.release)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.writes < 1 || bs.writes > 2 {
		t.Errorf("writes = %d, want 1 or 2", bs.writes)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.CallStarted(Call{StreamSID: "x"})
	r.TurnCompleted(Turn{})
	r.CallEnded("x", time.Now())
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("Close = %v", err)
	}
}

// ---------------------------------------------------------------------------
// PostgresStore with a mock DB
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error
	pingErr error
	count   int
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int)) = m.count
		return nil
	}}
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func TestPostgresStore_Writes(t *testing.T) {
	t.Parallel()

	db := &mockDB{count: 3}
	s := NewPostgresStore(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.StartCall(ctx, Call{StreamSID: "MZ1", CallSID: "CA1", Backend: "deepgram", StartedAt: at}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := s.AddTurn(ctx, Turn{StreamSID: "MZ1", UserText: "hi", ReplyText: "hello", Latency: 1500 * time.Millisecond, At: at}); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := s.EndCall(ctx, "MZ1", at); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	if len(db.execs) != 5 {
		t.Fatalf("exec count = %d, want 5", len(db.execs))
	}
	if !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS calls") {
		t.Errorf("first exec is not the schema: %q", db.execs[0].sql)
	}
	if !strings.Contains(db.execs[1].sql, "ON CONFLICT (stream_sid)") {
		t.Errorf("start call does not upsert: %q", db.execs[1].sql)
	}
	turn := db.execs[3]
	if got := turn.args[5]; got != int64(1500) {
		t.Errorf("latency_ms arg = %v, want 1500", got)
	}

	n, err := s.CountTurns(ctx, "MZ1")
	if err != nil || n != 3 {
		t.Errorf("CountTurns = %d, %v; want 3, nil", n, err)
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	s := NewPostgresStore(&mockDB{execErr: boom, pingErr: boom})
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"migrate", func() error { return s.Migrate(ctx) }},
		{"ping", func() error { return s.Ping(ctx) }},
		{"start", func() error { return s.StartCall(ctx, Call{StreamSID: "x"}) }},
		{"turn", func() error { return s.AddTurn(ctx, Turn{StreamSID: "x"}) }},
		{"end", func() error { return s.EndCall(ctx, "x", time.Now()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.fn()
			if !errors.Is(err, boom) {
				t.Errorf("err = %v, want wrapping %v", err, boom)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "calllog: ") {
				t.Errorf("err = %q, want calllog prefix", err)
			}
		})
	}
}
