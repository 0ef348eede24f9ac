// Package translog implements the per-session transaction log: an
// append-only, ordered record of SMTP command exchanges, written by the
// state machine and queried by tests (e.g. which recipients were
// rejected).
package translog

// Command identifies the SMTP verb (or the pseudo-verb "SMTP" used for the
// initial connection/banner entry) a Transaction records.
type Command string

const (
	CmdSMTP     Command = "SMTP"
	CmdHELO     Command = "HELO"
	CmdEHLO     Command = "EHLO"
	CmdLHLO     Command = "LHLO"
	CmdSTARTTLS Command = "STARTTLS"
	CmdAUTH     Command = "AUTH"
	CmdMAIL     Command = "MAIL"
	CmdRCPT     Command = "RCPT"
	CmdDATA     Command = "DATA"
	CmdBDAT     Command = "BDAT"
	CmdRSET     Command = "RSET"
	CmdNOOP     Command = "NOOP"
	CmdQUIT     Command = "QUIT"
)

// repeatable holds the commands for which every occurrence is recorded,
// rather than only the first.
var repeatable = map[Command]bool{
	CmdSMTP: true,
	CmdRCPT: true,
	CmdBDAT: true,
}

// Transaction is an immutable record of one SMTP exchange.
type Transaction struct {
	Command  Command
	Payload  string // what the peer sent beyond the verb, if anything.
	Response string // the server's reply line, including its 3-digit code.
	Error    bool   // true when Response begins with 4xx or 5xx.
	Address  string // for RCPT, the normalized mailbox; empty otherwise.
}

// Log is the ordered, append-only sequence of Transactions for a session.
// It is only ever touched by the worker goroutine that owns the session, so
// it carries no internal locking.
type Log struct {
	txns []Transaction
	seen map[Command]bool
}

// New returns an empty Log.
func New() *Log {
	return &Log{
		seen: map[Command]bool{},
	}
}

// Add appends a transaction, unless command is non-repeatable and an entry
// for it already exists, in which case Add is a no-op.
func (l *Log) Add(t Transaction) {
	if !repeatable[t.Command] && l.seen[t.Command] {
		return
	}
	l.seen[t.Command] = true
	l.txns = append(l.txns, t)
}

// All returns every transaction, in the order the wire produced them.
func (l *Log) All() []Transaction {
	return l.txns
}

// ByCommand returns every transaction for the given command, in order.
func (l *Log) ByCommand(c Command) []Transaction {
	var out []Transaction
	for _, t := range l.txns {
		if t.Command == c {
			out = append(out, t)
		}
	}
	return out
}

// Errors returns every transaction whose Error flag is set.
func (l *Log) Errors() []Transaction {
	var out []Transaction
	for _, t := range l.txns {
		if t.Error {
			out = append(out, t)
		}
	}
	return out
}

// FailedRecipients returns the Address of every RCPT transaction that
// failed.
func (l *Log) FailedRecipients() []string {
	var out []string
	for _, t := range l.txns {
		if t.Command == CmdRCPT && t.Error {
			out = append(out, t.Address)
		}
	}
	return out
}

// Recipients returns the Address of every RCPT transaction, successful or
// not.
func (l *Log) Recipients() []string {
	var out []string
	for _, t := range l.txns {
		if t.Command == CmdRCPT {
			out = append(out, t.Address)
		}
	}
	return out
}

// HasDataError reports whether any recorded DATA or BDAT transaction is an
// error.
func (l *Log) HasDataError() bool {
	for _, t := range l.txns {
		if (t.Command == CmdDATA || t.Command == CmdBDAT) && t.Error {
			return true
		}
	}
	return false
}

// Clear empties the log and resets its duplicate suppression.
func (l *Log) Clear() {
	l.txns = nil
	l.seen = map[Command]bool{}
}
