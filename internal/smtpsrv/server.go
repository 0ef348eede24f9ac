package smtpsrv

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/missioninbox/robin/internal/dovecotauth"
	"github.com/missioninbox/robin/internal/maillog"
	"github.com/missioninbox/robin/internal/rauth"
	"github.com/missioninbox/robin/internal/rconfig"
	"github.com/missioninbox/robin/internal/scenario"
	"github.com/missioninbox/robin/internal/userdb"
)

// SocketMode represents the mode for a socket (listening or connection). We
// keep them distinct, as policies can differ between them: the
// plain/submission/implicit-TLS distinction this toolkit needs.
type SocketMode struct {
	// Is this mode submission?
	IsSubmission bool

	// Is this mode TLS-wrapped? That means we don't use STARTTLS, the
	// connection is directly established over TLS (like HTTPS).
	TLS bool
}

func (mode SocketMode) String() string {
	s := "SMTP"
	if mode.IsSubmission {
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeImplicitTLS   = SocketMode{IsSubmission: false, TLS: true}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// Server represents an SMTP server instance: the shared configuration and
// collaborators every accepted connection is given, plus the bounded
// worker pool and listener bookkeeping needed for a cooperative shutdown.
// Connections are handed to a bounded worker pool instead of an unbounded
// goroutine-per-accept, so a burst of connections can't outrun the process.
type Server struct {
	Hostname    string
	MaxDataSize int64

	Auth     bool
	StartTLS bool
	Chunking bool

	TransactionsLimit int
	ErrorLimit        int
	CommandTimeout    time.Duration

	tlsCtx     *TLSContext
	mechanisms []rauth.Mechanism
	authEngine *rauth.Engine
	scenarios  *scenario.Set
	storage    Storage

	relayEnabled bool
	relayAddr    string

	pool *workerPool

	mu        sync.Mutex
	listeners []net.Listener
	liveConns map[net.Conn]struct{}
	draining  int32
}

// NewServer builds a Server from a validated rconfig.Config and a Storage
// implementation. cfg must have already passed Validate().
func NewServer(cfg *rconfig.Config, storage Storage) (*Server, error) {
	s := &Server{
		Hostname:          cfg.Hostname,
		Auth:              cfg.Auth,
		StartTLS:          cfg.StartTLS,
		Chunking:          cfg.Chunking,
		TransactionsLimit: cfg.TransactionsLimit,
		ErrorLimit:        cfg.ErrorLimit,
		CommandTimeout:    time.Minute,
		mechanisms:        DefaultMechanisms(cfg.Hostname),
		scenarios:         scenario.NewSet(cfg.Scenarios),
		storage:           storage,
		relayEnabled:      cfg.RelayEnabled,
		relayAddr:         cfg.RelayAddr,
		liveConns:         map[net.Conn]struct{}{},
	}

	var be rauth.Backend
	if cfg.DovecotUserdbPath != "" && cfg.DovecotClientPath != "" {
		be = dovecotauth.NewAuth(cfg.DovecotUserdbPath, cfg.DovecotClientPath)
	} else {
		be = rauth.WrapNoErrorBackend(userdb.FromConfig(cfg.Users))
	}
	s.authEngine = rauth.NewEngine(be)

	if cfg.Keystore != "" {
		tctx, err := LoadTLSContext(cfg.Keystore, cfg.Keystore)
		if err != nil {
			return nil, err
		}
		s.tlsCtx = tctx
	}

	s.pool = newWorkerPool(cfg.MinPoolSize, cfg.MaxPoolSize, cfg.Backlog, cfg.KeepAlive)

	return s, nil
}

// connConfig builds the ConnConfig a given SocketMode's connections should
// run with: STARTTLS is never offered on an already-TLS-wrapped socket.
func (s *Server) connConfig(mode SocketMode) ConnConfig {
	return ConnConfig{
		Hostname:          s.Hostname,
		MaxDataSize:       s.MaxDataSize,
		Auth:              s.Auth,
		StartTLS:          s.StartTLS && !mode.TLS,
		Chunking:          s.Chunking,
		TransactionsLimit: s.TransactionsLimit,
		ErrorLimit:        s.ErrorLimit,
		CommandTimeout:    s.CommandTimeout,
		TLS:               s.tlsCtx,
		Mechanisms:        s.mechanisms,
		AuthEngine:        s.authEngine,
		Scenarios:         s.scenarios,
		Storage:           s.storage,
		RelayEnabled:      s.relayEnabled,
		RelayAddr:         s.relayAddr,
	}
}

// Listen opens addr and begins accepting connections in mode, dispatching
// each one onto the bounded worker pool. It returns once the listening
// socket is open; accepting happens on a background goroutine.
func (s *Server) Listen(addr string, mode SocketMode) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l, mode)
}

// Serve begins accepting on an already-open listener, wrapping it in TLS
// first if mode calls for an implicit-TLS socket (port 465 style).
func (s *Server) Serve(l net.Listener, mode SocketMode) error {
	if mode.TLS {
		if s.tlsCtx == nil {
			l.Close()
			return errNoTLSContext
		}
		l = tls.NewListener(l, s.tlsCtx.Config)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	maillog.Listening(l.Addr().String())
	log.Infof("smtpsrv: listening on %s (%v)", l.Addr(), mode)

	go s.acceptLoop(l, mode)
	return nil
}

var errNoTLSContext = &tlsContextError{}

type tlsContextError struct{}

func (*tlsContextError) Error() string {
	return "smtpsrv: implicit-TLS listener requested but no TLSContext configured"
}

func (s *Server) acceptLoop(l net.Listener, mode SocketMode) {
	cfg := s.connConfig(mode)
	for {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.draining) != 0 {
				return
			}
			log.Errorf("smtpsrv: accept on %s: %v", l.Addr(), err)
			return
		}

		s.trackConn(conn)
		s.pool.Submit(func() {
			defer s.untrackConn(conn)
			NewConn(conn, cfg).Handle()
		})
	}
}

func (s *Server) trackConn(c net.Conn) {
	s.mu.Lock()
	s.liveConns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.liveConns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting new connections, then waits up to drainTimeout
// for in-flight sessions to finish on their own before force-closing
// whatever is left: a cooperative, bounded-drain shutdown.
func (s *Server) Shutdown(drainTimeout time.Duration) {
	atomic.StoreInt32(&s.draining, 1)

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}

	s.pool.Shutdown(drainTimeout)

	s.mu.Lock()
	remaining := make([]net.Conn, 0, len(s.liveConns))
	for c := range s.liveConns {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()
	for _, c := range remaining {
		c.Close()
	}
}

// workerPool is a semaphore-bounded pool of goroutines that each process
// one job (one accepted connection) at a time. minSize workers are kept
// running for the pool's lifetime; additional workers are spawned on
// demand up to maxSize and exit after sitting idle for keepAlive.
type workerPool struct {
	maxSize   int
	keepAlive time.Duration

	jobs    chan func()
	active  int64
	closing chan struct{}
	wg      sync.WaitGroup
}

func newWorkerPool(minSize, maxSize, backlog int, keepAlive time.Duration) *workerPool {
	p := &workerPool{
		maxSize:   maxSize,
		keepAlive: keepAlive,
		jobs:      make(chan func(), backlog),
		closing:   make(chan struct{}),
	}
	for i := 0; i < minSize; i++ {
		p.spawn(true)
	}
	return p
}

func (p *workerPool) spawn(core bool) {
	atomic.AddInt64(&p.active, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer atomic.AddInt64(&p.active, -1)
		for {
			if core {
				select {
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job()
				case <-p.closing:
					return
				}
			} else {
				select {
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job()
				case <-time.After(p.keepAlive):
					return
				case <-p.closing:
					return
				}
			}
		}
	}()
}

// Submit queues job to run on the pool. If the backlog buffer is full and
// the pool hasn't reached maxSize, an extra transient worker is spawned
// to absorb it; otherwise Submit blocks, applying backpressure to the
// accept loop exactly as a bounded pool should.
func (p *workerPool) Submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		if int(atomic.LoadInt64(&p.active)) < p.maxSize {
			p.spawn(false)
		}
		p.jobs <- job
	}
}

// Shutdown stops handing out new jobs and waits up to timeout for
// in-flight workers to drain.
func (p *workerPool) Shutdown(timeout time.Duration) {
	close(p.closing)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}
