// Package smtpsrv implements the server-side SMTP protocol engine: the
// per-connection session state, the command dispatcher (state machine),
// STARTTLS/implicit-TLS handling, and the listener/accept loop that
// dispatches accepted sockets to a bounded worker pool.
package smtpsrv

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/missioninbox/robin/internal/translog"
)

// Envelope is one mail transaction inside a Session: sender, ordered unique
// recipients, the message-id pulled from parsed headers, the path it was
// persisted to, and its arrival time. A Session may hold several Envelopes
// -- each MAIL FROM, and each RSET, opens a new one -- and previous ones
// remain queryable.
type Envelope struct {
	From      string
	To        []string
	MessageID string
	StoredAs  string
	Arrived   time.Time

	seenTo map[string]bool
}

func newEnvelope(from string) *Envelope {
	return &Envelope{From: from, Arrived: time.Now(), seenTo: map[string]bool{}}
}

// AddRecipient appends addr to the recipient list, reporting whether it was
// newly added; duplicates are ignored so the recipient list stays an
// ordered set.
func (e *Envelope) AddRecipient(addr string) bool {
	if e.seenTo[addr] {
		return false
	}
	e.seenTo[addr] = true
	e.To = append(e.To, addr)
	return true
}

// sessionUID is the process-wide monotonic counter Session.UID is drawn
// from: a plain atomic counter, since the toolkit only needs monotonic,
// not random, identifiers.
var sessionUID uint64

// State is the session's explicit protocol state, rather than inferring
// position in the dialog from field values (e.g. "mailFrom == ''" standing
// in for "no envelope yet"); ScenarioMatcher and the multi-envelope model
// both need an explicit state to validate legal transitions.
type State int

const (
	StateConnected State = iota
	StateGreeted
	StateMailIn
	StateRcptIn
	StateDataBody
	StateBdatChunks
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateMailIn:
		return "MAIL_IN"
	case StateRcptIn:
		return "RCPT_IN"
	case StateDataBody:
		return "DATA_BODY"
	case StateBdatChunks:
		return "BDAT_CHUNKS"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TLSParams records a session's negotiated TLS parameters, once upgraded.
type TLSParams struct {
	Version     uint16
	CipherSuite uint16
}

// Session holds all per-connection state: identity, negotiated extensions,
// auth, TLS parameters, the envelope list, the magic-variable map used for
// scenario templating, and the transaction/error counters used for limit
// enforcement. The envelope list, magic-variable map, UID and
// TransactionLog are held by composition -- "a Session *has* a
// TransactionLog" -- rather than being inlined into Conn, since a session
// can carry multiple Envelopes and per-session templating state.
type Session struct {
	UID uint64

	RemoteAddr net.Addr

	GreetVerb     string // HELO, EHLO or LHLO
	GreetIdentity string // the argument given to HELO/EHLO/LHLO

	OfferedSTARTTLS, UsedSTARTTLS bool
	OfferedChunking               bool
	OfferedAuth                   bool

	AuthUser string
	IsAuth   bool

	TLS *TLSParams

	Envelopes []*Envelope

	errorCount int
	txnCount   int

	magic map[string]string

	Log *translog.Log
}

// NewSession returns a Session for a freshly accepted connection, assigning
// its UID from the process-wide monotonic counter.
func NewSession(remote net.Addr) *Session {
	return &Session{
		UID:        atomic.AddUint64(&sessionUID, 1),
		RemoteAddr: remote,
		magic:      map[string]string{},
		Log:        translog.New(),
	}
}

// PutMagic sets a magic variable, for scenario templating and test
// correlation.
func (s *Session) PutMagic(k, v string) { s.magic[k] = v }

// GetMagic returns a magic variable's value, and whether it was set.
func (s *Session) GetMagic(k string) (string, bool) {
	v, ok := s.magic[k]
	return v, ok
}

// Magic returns a snapshot of the whole magic-variable map, for render().
func (s *Session) Magic() map[string]string {
	out := make(map[string]string, len(s.magic))
	for k, v := range s.magic {
		out[k] = v
	}
	return out
}

// CurrentEnvelope returns the most recently opened Envelope, creating an
// empty one on demand if none exists yet.
func (s *Session) CurrentEnvelope() *Envelope {
	if len(s.Envelopes) == 0 {
		s.Envelopes = append(s.Envelopes, newEnvelope(""))
	}
	return s.Envelopes[len(s.Envelopes)-1]
}

// OpenEnvelope starts a new Envelope with the given sender -- on every
// syntactically valid MAIL FROM, or with an empty sender on RSET -- and
// returns it.
func (s *Session) OpenEnvelope(from string) *Envelope {
	e := newEnvelope(from)
	s.Envelopes = append(s.Envelopes, e)
	return e
}

// CountTransaction records one more transaction against transactionsLimit,
// reporting whether the limit has now been exceeded.
func (s *Session) CountTransaction(limit int) bool {
	s.txnCount++
	return s.txnCount > limit
}

// CountError records one more protocol error against errorLimit, reporting
// whether the limit has now been exceeded. Scenario-injected failures are
// not counted: callers only invoke this for genuine client errors (syntax,
// sequence, auth failures).
func (s *Session) CountError(limit int) bool {
	s.errorCount++
	return s.errorCount > limit
}
