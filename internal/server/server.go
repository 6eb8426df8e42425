// Package server runs the two TCP listeners: one accepting raw
// newline-terminated log lines, one answering query commands over the
// same line framing.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logcrafter/server/internal/broadcast"
	"github.com/logcrafter/server/internal/config"
	"github.com/logcrafter/server/internal/persist"
	"github.com/logcrafter/server/internal/query"
	"github.com/logcrafter/server/internal/store"
)

const (
	ingestBanner = "LogCrafter ingest service: send newline-terminated log lines.\n"
	queryBanner  = "LogCrafter query service.\n" +
		"Commands: HELP, COUNT, STATS, QUERY keyword=<text> keywords=a,b operator=AND|OR " +
		"regex=<pattern> time_from=<unix> time_to=<unix>.\n"

	// capacityMessage always contains "capacity" so clients can tell
	// a rejection from a greeting.
	capacityMessage = "ERROR: Server at capacity. Try again later.\n"

	// queryLineMax bounds a command line; anything longer is cut and
	// will fail to parse rather than grow without limit.
	queryLineMax = 512
)

type role int

const (
	roleProducer role = iota
	roleQuery
)

// Server owns both listeners and a goroutine per accepted connection.
// Producers above the MaxClients cap are turned away at accept time;
// query clients are not capped.
type Server struct {
	cfg    config.Config
	store  *store.Store
	writer *persist.Writer // nil when persistence is disabled
	hub    *broadcast.Hub

	ingestLn net.Listener
	queryLn  net.Listener

	activeProducers int64
	activeQueries   int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New wires a server from its collaborators. writer may be nil.
func New(cfg config.Config, st *store.Store, writer *persist.Writer, hub *broadcast.Hub) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		writer:   writer,
		hub:      hub,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Listen binds both listeners. Either address failing to bind is fatal
// so misconfiguration surfaces before any traffic is accepted.
func (s *Server) Listen() error {
	ingest, err := net.Listen("tcp", s.cfg.IngestAddr)
	if err != nil {
		return fmt.Errorf("bind ingest listener: %w", err)
	}
	qry, err := net.Listen("tcp", s.cfg.QueryAddr)
	if err != nil {
		ingest.Close()
		return fmt.Errorf("bind query listener: %w", err)
	}
	s.ingestLn = ingest
	s.queryLn = qry
	return nil
}

// IngestAddr returns the bound ingest address, useful when the
// configuration asked for port 0.
func (s *Server) IngestAddr() net.Addr { return s.ingestLn.Addr() }

// QueryAddr returns the bound query address.
func (s *Server) QueryAddr() net.Addr { return s.queryLn.Addr() }

// Serve runs both accept loops and blocks until Shutdown.
func (s *Server) Serve() error {
	if s.ingestLn == nil || s.queryLn == nil {
		return errors.New("server is not listening")
	}

	log.Printf("Ingest listener on %s", s.ingestLn.Addr())
	log.Printf("Query listener on %s", s.queryLn.Addr())

	s.wg.Add(2)
	go s.acceptLoop(s.ingestLn, roleProducer)
	go s.acceptLoop(s.queryLn, roleQuery)

	<-s.shutdown
	return nil
}

// Shutdown stops accepting, nudges connections out of blocking reads,
// and waits for every handler to finish. When ctx expires first the
// remaining connections are force-closed and the wait resumes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	if s.ingestLn != nil {
		s.ingestLn.Close()
	}
	if s.queryLn != nil {
		s.queryLn.Close()
	}

	// In-flight commands finish writing; blocked reads wake at once.
	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener, r role) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}

		// The cap check and increment stay on this goroutine, so the
		// producer count can never overshoot MaxClients.
		if r == roleProducer && atomic.LoadInt64(&s.activeProducers) >= int64(s.cfg.MaxClients) {
			s.reject(conn)
			continue
		}

		switch r {
		case roleProducer:
			atomic.AddInt64(&s.activeProducers, 1)
		case roleQuery:
			atomic.AddInt64(&s.activeQueries, 1)
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handle(conn, r)
	}
}

func (s *Server) handle(conn net.Conn, r role) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	switch r {
	case roleProducer:
		defer atomic.AddInt64(&s.activeProducers, -1)
		s.serveProducer(conn)
	case roleQuery:
		defer atomic.AddInt64(&s.activeQueries, -1)
		s.serveQuery(conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(conn, capacityMessage)
	conn.Close()
	log.Printf("Rejected producer %s: at capacity (%d)", conn.RemoteAddr(), s.cfg.MaxClients)
}

// serveProducer reads lines until the peer goes away. A partial line
// with no trailing newline at EOF is discarded, never stored.
func (s *Server) serveProducer(conn net.Conn) {
	if err := s.write(conn, ingestBanner); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		s.refreshDeadline(conn)
		// One extra byte of slack lets the store spot lines over the
		// limit and apply the truncation marker itself.
		line, complete, err := readLine(r, s.cfg.MaxLineLen+1)
		if !complete {
			s.logReadError("producer", conn, err)
			return
		}

		text := strings.TrimRight(string(line), "\r")
		if text == "" {
			continue
		}
		s.ingest(text)
	}
}

// ingest admits one line: ring store first, then the persistence
// queue, then the broadcast hub.
func (s *Server) ingest(text string) {
	e := s.store.Append(text)
	if s.writer != nil {
		s.writer.Enqueue(e.Timestamp, e.Text)
	}
	s.hub.Publish(e)
}

// serveQuery answers commands until the peer disconnects. A rejected
// command reports an ERROR line and keeps the connection open.
func (s *Server) serveQuery(conn net.Conn) {
	if err := s.write(conn, queryBanner); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		s.refreshDeadline(conn)
		line, complete, err := readLine(r, queryLineMax)
		if !complete {
			s.logReadError("query client", conn, err)
			return
		}

		text := strings.TrimSpace(string(line))
		if text == "" {
			continue
		}

		cmd, err := query.ParseCommand(text)
		if err != nil {
			if werr := s.write(conn, "ERROR: "+err.Error()+"\n"); werr != nil {
				return
			}
			continue
		}

		var werr error
		switch cmd.Kind {
		case query.KindHelp:
			werr = s.write(conn, query.HelpText)
		case query.KindCount:
			werr = s.write(conn, fmt.Sprintf("COUNT: %d\n", s.store.Len()))
		case query.KindStats:
			werr = s.write(conn, s.statsLine())
		case query.KindSearch:
			werr = s.writeSearch(conn, cmd.Query)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) statsLine() string {
	st := s.store.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "STATS: Total=%d, Dropped=%d, Current=%d, ActiveLog=%d, ActiveQuery=%d",
		st.TotalReceived, st.TotalEvicted, st.CurrentSize,
		atomic.LoadInt64(&s.activeProducers), atomic.LoadInt64(&s.activeQueries))
	if s.writer != nil {
		ps := s.writer.Stats()
		fmt.Fprintf(&b, ", Persisted=%d, PersistFailed=%d", ps.Persisted, ps.Failed)
	}
	b.WriteByte('\n')
	return b.String()
}

// writeSearch evaluates the query over a snapshot so ingestion keeps
// running while results stream out.
func (s *Server) writeSearch(conn net.Conn, q *query.Query) error {
	var matched []store.Entry
	for _, e := range s.store.Snapshot() {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}

	if d := s.cfg.IdleTimeout.Std(); d > 0 {
		conn.SetWriteDeadline(time.Now().Add(d))
	}
	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "FOUND: %d matches\n", len(matched))
	for _, e := range matched {
		w.WriteString(e.Text)
		w.WriteByte('\n')
	}
	return w.Flush()
}

func (s *Server) write(conn net.Conn, text string) error {
	if d := s.cfg.IdleTimeout.Std(); d > 0 {
		conn.SetWriteDeadline(time.Now().Add(d))
	}
	_, err := io.WriteString(conn, text)
	return err
}

func (s *Server) refreshDeadline(conn net.Conn) {
	// A handler between lines must not re-arm a long deadline once
	// shutdown has begun.
	select {
	case <-s.shutdown:
		conn.SetReadDeadline(time.Now())
		return
	default:
	}
	if d := s.cfg.IdleTimeout.Std(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}
}

// logReadError keeps routine disconnects quiet and surfaces the rest.
func (s *Server) logReadError(who string, conn net.Conn, err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return
	}
	log.Printf("%s %s: %v", who, conn.RemoteAddr(), err)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	closed := s.closed
	s.mu.Unlock()

	// Raced with Shutdown: make sure this connection unblocks too.
	if closed {
		conn.SetReadDeadline(time.Now())
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// readLine reads one newline-terminated line, accumulating at most max
// bytes and consuming the rest. The second result is false when the
// reader ended before a newline arrived; callers are expected to
// discard the partial data in that case.
func readLine(r *bufio.Reader, max int) ([]byte, bool, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		terminated := false
		if err == nil {
			chunk = chunk[:len(chunk)-1]
			terminated = true
		}
		if room := max - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if terminated {
			return line, true, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, false, err
	}
}
