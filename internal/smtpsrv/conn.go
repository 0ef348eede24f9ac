package smtpsrv

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/missioninbox/robin/internal/lineio"
	"github.com/missioninbox/robin/internal/maillog"
	"github.com/missioninbox/robin/internal/rauth"
	"github.com/missioninbox/robin/internal/relay"
	"github.com/missioninbox/robin/internal/renvelope"
	"github.com/missioninbox/robin/internal/rmime"
	trace "github.com/missioninbox/robin/internal/rtrace"
	"github.com/missioninbox/robin/internal/scenario"
	"github.com/missioninbox/robin/internal/tlsconst"
	"github.com/missioninbox/robin/internal/translog"
)

// ConnConfig carries everything a Conn needs that is shared across every
// connection accepted by a given Listener: identity, negotiated-extension
// policy, limits, and the collaborators (TLS material, auth backend,
// scenario set, storage) it delegates to. It is copied onto each Conn in
// Server.acceptLoop().
type ConnConfig struct {
	Hostname    string
	MaxDataSize int64

	Auth     bool
	StartTLS bool
	Chunking bool

	TransactionsLimit int
	ErrorLimit        int

	CommandTimeout time.Duration

	TLS        *TLSContext // nil disables STARTTLS/implicit TLS
	Mechanisms []rauth.Mechanism
	AuthEngine *rauth.Engine

	Scenarios *scenario.Set

	Storage Storage

	RelayEnabled bool
	RelayAddr    string
}

// DefaultMechanisms returns the AuthEngine's offered SASL mechanisms in
// order: PLAIN, LOGIN, CRAM-MD5, DIGEST-MD5.
func DefaultMechanisms(hostname string) []rauth.Mechanism {
	return []rauth.Mechanism{
		rauth.PlainMechanism{},
		rauth.LoginMechanism{},
		rauth.CramMD5Mechanism{Hostname: hostname},
		rauth.DigestMD5Mechanism{Hostname: hostname},
	}
}

// Conn is one accepted connection's worker: it owns a Session and drives
// the SMTP state machine's dialog against it. Verb dispatch is a
// "loop:" for + switch cmd reading one line at a time, with a
// writeResponse/printfLine multi-line writer and errCount-triggers-close,
// extended here with BDAT/CHUNKING, the explicit State enum, and
// ScenarioMatcher/TransactionLog integration.
type Conn struct {
	cfg ConnConfig

	netConn net.Conn
	lr      *lineio.LineReader
	writer  *bufio.Writer

	state   State
	session *Session
	scen    *scenario.Scenario

	tr *trace.Trace

	bdat []byte // accumulates BDAT chunk bodies for the current envelope
}

// NewConn wraps an accepted net.Conn for the SMTP dialog.
func NewConn(nc net.Conn, cfg ConnConfig) *Conn {
	return &Conn{
		cfg:     cfg,
		netConn: nc,
		lr:      lineio.New(nc),
		writer:  bufio.NewWriter(nc),
		state:   StateConnected,
		session: NewSession(nc.RemoteAddr()),
		tr:      trace.New("SMTP", nc.RemoteAddr().String()),
	}
}

// Close closes the underlying connection and finishes the trace.
func (c *Conn) Close() {
	c.netConn.Close()
	c.tr.Finish()
}

// Handle drives the session to completion: greet, then read and dispatch
// commands until the peer quits, a limit is exceeded, or the connection is
// lost.
func (c *Conn) Handle() {
	defer c.Close()

	if c.cfg.CommandTimeout > 0 {
		c.netConn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))
	}

	c.greet()

	for {
		cmd, params, err := c.readCommand()
		if err != nil {
			c.tr.Debugf("read error, closing: %v", err)
			return
		}
		if cmd == "" {
			// EOF: lineio.LineReader.ReadLine returns a nil line at end of
			// stream.
			return
		}

		if c.cfg.CommandTimeout > 0 {
			c.netConn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))
		}

		if c.session.CountTransaction(c.cfg.TransactionsLimit) {
			c.reply(421, "too many transactions, closing connection")
			return
		}

		closeConn, isErr := c.dispatch(cmd, params)
		if isErr && c.session.CountError(c.cfg.ErrorLimit) {
			c.reply(421, "too many errors, closing connection")
			return
		}
		if closeConn {
			return
		}
	}
}

func (c *Conn) greet() {
	c.reply(220, fmt.Sprintf("%s ESMTP", c.cfg.Hostname))
	c.session.Log.Add(translog.Transaction{
		Command:  translog.CmdSMTP,
		Response: fmt.Sprintf("220 %s ESMTP", c.cfg.Hostname),
	})
}

// dispatch runs one command against the state machine, returning whether
// the connection should now be closed and whether the command counted as a
// protocol error for errorLimit purposes.
func (c *Conn) dispatch(cmd, params string) (closeConn, isErr bool) {
	switch cmd {
	case "HELO":
		return c.greetVerb("HELO", params)
	case "EHLO":
		return c.greetVerb("EHLO", params)
	case "LHLO":
		return c.greetVerb("LHLO", params)
	case "STARTTLS":
		return c.doStartTLS(params)
	case "AUTH":
		return c.doAuth(params)
	case "MAIL":
		return c.doMail(params)
	case "RCPT":
		return c.doRcpt(params)
	case "DATA":
		return c.doData(params)
	case "BDAT":
		return c.doBdat(params)
	case "RSET":
		return c.doRset(params)
	case "NOOP":
		c.logAndReply(translog.CmdNOOP, params, 250, "OK")
		return false, false
	case "QUIT":
		c.logAndReply(translog.CmdQUIT, params, 221, fmt.Sprintf("%s closing connection", c.cfg.Hostname))
		return true, false
	default:
		c.reply(500, "unknown command")
		return false, true
	}
}

func (c *Conn) greetVerb(verb, params string) (bool, bool) {
	identity := strings.TrimSpace(params)
	if identity == "" {
		identity = addrLiteral(c.session.RemoteAddr)
	}

	c.session.GreetVerb = verb
	c.session.GreetIdentity = identity
	c.state = StateGreeted
	c.scen, _ = c.cfg.Scenarios.Match(identity)

	c.session.OfferedSTARTTLS = c.cfg.TLS != nil && c.cfg.StartTLS && !c.session.UsedSTARTTLS
	c.session.OfferedChunking = c.cfg.Chunking
	c.session.OfferedAuth = c.cfg.Auth

	var cmdName translog.Command
	var resp string
	switch verb {
	case "HELO":
		cmdName = translog.CmdHELO
		resp = fmt.Sprintf("250 %s", c.cfg.Hostname)
	case "LHLO":
		cmdName = translog.CmdLHLO
		resp = c.extendedGreeting()
	default:
		cmdName = translog.CmdEHLO
		resp = c.extendedGreeting()
	}

	c.logAndReply(cmdName, params, 250, strings.TrimPrefix(resp, "250 "))
	return false, false
}

func (c *Conn) extendedGreeting() string {
	lines := []string{fmt.Sprintf("%s", c.cfg.Hostname)}
	if c.cfg.MaxDataSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", c.cfg.MaxDataSize))
	}
	if c.session.OfferedSTARTTLS {
		lines = append(lines, "STARTTLS")
	}
	if c.session.OfferedAuth {
		lines = append(lines, "AUTH PLAIN LOGIN CRAM-MD5 DIGEST-MD5")
	}
	if c.session.OfferedChunking {
		lines = append(lines, "CHUNKING")
	}
	lines = append(lines, "8BITMIME", "SMTPUTF8", "PIPELINING", "ENHANCEDSTATUSCODES")
	return "250 " + strings.Join(lines, "\n")
}

func (c *Conn) doStartTLS(params string) (bool, bool) {
	if c.state != StateGreeted || c.session.UsedSTARTTLS || c.cfg.TLS == nil || !c.cfg.StartTLS {
		c.logAndReply(translog.CmdSTARTTLS, params, 503, "Bad sequence of commands")
		return false, true
	}

	code, msg := 220, "Ready to start TLS"
	if c.scen != nil && c.scen.StartTLS != "" {
		code, msg = splitReply(render(c.scen.StartTLS, c.session.Magic()))
	}
	c.logAndReply(translog.CmdSTARTTLS, params, code, msg)

	if code/100 != 2 {
		// Scenario override declined the upgrade; stay as we are.
		return false, false
	}

	tlsConn := tls.Server(c.netConn, c.cfg.TLS.Config)
	if err := tlsConn.Handshake(); err != nil {
		c.tr.Errorf("TLS handshake failed: %v", err)
		return true, false
	}

	cs := tlsConn.ConnectionState()
	c.netConn = tlsConn
	c.lr = lineio.New(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.session.UsedSTARTTLS = true
	c.session.TLS = &TLSParams{Version: cs.Version, CipherSuite: cs.CipherSuite}
	c.tr.Printf("TLS handshake complete: %s %s",
		tlsconst.VersionName(cs.Version), tlsconst.CipherSuiteName(cs.CipherSuite))

	// Sideways transition: the peer must re-greet.
	c.state = StateConnected
	c.session.GreetVerb = ""
	c.session.GreetIdentity = ""

	return false, false
}

func (c *Conn) doAuth(params string) (bool, bool) {
	if c.state != StateGreeted || !c.cfg.Auth {
		c.logAndReply(translog.CmdAUTH, params, 503, "Bad sequence of commands")
		return false, true
	}

	fields := strings.SplitN(params, " ", 2)
	name := strings.ToUpper(fields[0])
	initial := ""
	if len(fields) > 1 {
		initial = fields[1]
	}

	var mech rauth.Mechanism
	for _, m := range c.cfg.Mechanisms {
		if m.Name() == name {
			mech = m
			break
		}
	}
	if mech == nil {
		c.logAndReply(translog.CmdAUTH, params, 504, "Unrecognized authentication type")
		return false, true
	}

	if pm, ok := mech.(rauth.PlainMechanism); ok {
		pm.InitialResponse = initial
		mech = pm
	}

	writeContinue := func(b64 string) error {
		return c.writeLine(fmt.Sprintf("334 %s", b64))
	}

	user, ok, err := mech.Negotiate(c.lr, writeContinue, c.cfg.AuthEngine.Authenticate)
	if err != nil {
		c.logAndReply(translog.CmdAUTH, params, 501, "Authentication aborted")
		return false, true
	}
	if !ok {
		maillog.Auth(c.session.RemoteAddr, user, false)
		c.logAndReply(translog.CmdAUTH, params, 535, "Authentication failed")
		return false, true
	}

	c.session.AuthUser = user
	c.session.IsAuth = true
	maillog.Auth(c.session.RemoteAddr, user, true)
	c.logAndReply(translog.CmdAUTH, params, 235, "Authentication successful")
	return false, false
}

func (c *Conn) doMail(params string) (bool, bool) {
	if c.state != StateGreeted {
		c.logAndReply(translog.CmdMAIL, params, 503, "Bad sequence of commands")
		return false, true
	}

	addr, ok := parseMailParam(params, "FROM:")
	if !ok {
		c.logAndReply(translog.CmdMAIL, params, 501, "Syntax error in parameters")
		return false, true
	}

	c.session.PutMagic("mail_from", addr)

	code, msg := 250, "OK"
	if c.scen != nil && c.scen.Mail != "" {
		code, msg = splitReply(render(c.scen.Mail, c.session.Magic()))
	}

	c.session.OpenEnvelope(addr)
	c.bdat = nil

	if code/100 == 2 {
		c.state = StateMailIn
	}

	c.logAndReply(translog.CmdMAIL, params, code, msg)
	return false, false
}

func (c *Conn) doRcpt(params string) (bool, bool) {
	if c.state != StateMailIn && c.state != StateRcptIn {
		c.logAndReply(translog.CmdRCPT, params, 503, "Bad sequence of commands")
		return false, true
	}

	addr, ok := parseMailParam(params, "TO:")
	if !ok {
		c.logAndReply(translog.CmdRCPT, params, 501, "Syntax error in parameters")
		return false, true
	}

	c.session.PutMagic("rcpt_to", addr)

	code, msg := 250, "OK"
	if c.scen != nil {
		if r, found := c.scen.RcptResponse(addr); found {
			code, msg = splitReply(render(r, c.session.Magic()))
		}
	}

	env := c.session.CurrentEnvelope()
	if code/100 == 2 {
		env.AddRecipient(addr)
	}
	c.state = StateRcptIn

	c.session.Log.Add(translog.Transaction{
		Command:  translog.CmdRCPT,
		Payload:  params,
		Response: fmt.Sprintf("%d %s", code, msg),
		Error:    code/100 == 4 || code/100 == 5,
		Address:  addr,
	})
	c.reply(code, msg)
	return false, false
}

func (c *Conn) doData(params string) (bool, bool) {
	env := c.session.CurrentEnvelope()
	if c.state != StateRcptIn || len(env.To) == 0 {
		c.logAndReply(translog.CmdDATA, params, 503, "Bad sequence of commands: need RCPT first")
		return false, true
	}

	c.state = StateDataBody
	if err := c.writeLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return true, false
	}

	data, err := c.lr.ReadDotStuffed(c.maxDataSize())
	if err != nil {
		c.session.Log.Add(translog.Transaction{
			Command:  translog.CmdDATA,
			Response: "552 message too large or malformed",
			Error:    true,
		})
		c.tr.Errorf("DATA read failed: %v", err)
		return true, false
	}

	code, msg := c.finishEnvelope(env, data)
	c.logAndReply(translog.CmdDATA, "", code, msg)
	c.state = StateGreeted

	if code/100 == 2 {
		c.maybeRelay(env, data)
	}
	return false, false
}

func (c *Conn) doBdat(params string) (bool, bool) {
	env := c.session.CurrentEnvelope()
	if (c.state != StateRcptIn && c.state != StateBdatChunks) || len(env.To) == 0 {
		c.logAndReply(translog.CmdBDAT, params, 503, "Bad sequence of commands: need RCPT first")
		return false, true
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		c.logAndReply(translog.CmdBDAT, params, 501, "Syntax error in parameters")
		return false, true
	}
	var n int64
	if _, err := fmt.Sscanf(fields[0], "%d", &n); err != nil || n < 0 {
		c.logAndReply(translog.CmdBDAT, params, 501, "Syntax error in chunk size")
		return false, true
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	chunk, err := c.lr.ReadN(n)
	if err != nil {
		c.tr.Errorf("BDAT read failed: %v", err)
		return true, false
	}
	c.bdat = append(c.bdat, chunk...)
	c.state = StateBdatChunks

	if !last {
		c.logAndReply(translog.CmdBDAT, params, 250, fmt.Sprintf("%d octets received", n))
		return false, false
	}

	data := c.bdat
	c.bdat = nil
	code, msg := c.finishEnvelope(env, data)
	c.logAndReply(translog.CmdBDAT, params, code, msg)
	c.state = StateGreeted

	if code/100 == 2 {
		c.maybeRelay(env, data)
	}
	return false, false
}

// finishEnvelope parses data, persists it via Storage, handles the
// X-Robin-Filename rename request, and returns the response code/message
// for the DATA/BDAT-LAST acknowledgement (subject to a scenario's Data
// override).
func (c *Conn) finishEnvelope(env *Envelope, data []byte) (int, string) {
	msg, err := rmime.Parse(bytes.NewReader(data))
	if err != nil {
		c.tr.Errorf("MIME parse failed: %v", err)
	} else if msgID, ok := msg.Headers.Get("Message-Id"); ok {
		env.MessageID = msgID
	}

	if c.cfg.Storage != nil {
		path, err := c.cfg.Storage.Save(c.session.UID, env, data)
		if err != nil {
			c.tr.Errorf("storage save failed: %v", err)
			return 451, "local error in processing"
		}
		env.StoredAs = path

		if msg != nil {
			if newName, ok := msg.Headers.Get("X-Robin-Filename"); ok && newName != "" {
				if renamed, err := c.cfg.Storage.Rename(path, newName); err == nil {
					env.StoredAs = renamed
				} else {
					c.tr.Errorf("storage rename failed: %v", err)
				}
			}
		}
	}

	if c.scen != nil && c.scen.Data != "" {
		return splitReply(render(c.scen.Data, c.session.Magic()))
	}
	return 250, fmt.Sprintf("OK: queued as %d", c.session.UID)
}

// maybeRelay runs the outbound RelayClient dialog on this connection's own
// goroutine, after the 2xx acknowledgement has already been written and
// flushed -- never on the accept hot path.
func (c *Conn) maybeRelay(env *Envelope, data []byte) {
	addr := c.cfg.RelayAddr
	triggered := c.cfg.RelayEnabled

	msg, err := rmime.Parse(bytes.NewReader(data))
	if err == nil {
		if hdr, ok := msg.Headers.Get("X-Robin-Relay"); ok && hdr != "" {
			addr = hdr
			triggered = true
		}
	}

	if !triggered || addr == "" {
		return
	}

	res, err := relay.Deliver(relay.Request{
		Addr:     addr,
		Hostname: c.cfg.Hostname,
		From:     env.From,
		To:       env.To,
		Data:     data,
	})
	permanent := err != nil && relay.IsPermanent(err)
	for _, to := range env.To {
		maillog.SendAttempt(fmt.Sprintf("%d", c.session.UID), env.From, to, err, permanent)
	}
	if err != nil {
		c.tr.Errorf("relay to %s failed: %v", addr, err)
	} else {
		c.tr.Printf("relayed to %s (tls=%v auth=%v)", addr, res.UsedTLS, res.UsedAuth)
	}
}

func (c *Conn) doRset(params string) (bool, bool) {
	if c.state == StateConnected {
		c.logAndReply(translog.CmdRSET, params, 503, "Bad sequence of commands")
		return false, true
	}

	c.session.OpenEnvelope("")
	c.bdat = nil
	c.state = StateGreeted
	c.logAndReply(translog.CmdRSET, params, 250, "OK")
	return false, false
}

// logAndReply records the transaction then writes the reply line.
func (c *Conn) logAndReply(cmd translog.Command, payload string, code int, msg string) {
	c.session.Log.Add(translog.Transaction{
		Command:  cmd,
		Payload:  payload,
		Response: fmt.Sprintf("%d %s", code, firstLine(msg)),
		Error:    code/100 == 4 || code/100 == 5,
	})
	c.reply(code, msg)
}

func (c *Conn) reply(code int, msg string) {
	if err := writeMultilineResponse(c.writer, code, msg); err != nil {
		c.tr.Errorf("write failed: %v", err)
	}
	c.writer.Flush()
}

func (c *Conn) writeLine(line string) error {
	_, err := fmt.Fprintf(c.writer, "%s\r\n", line)
	c.writer.Flush()
	return err
}

func (c *Conn) maxDataSize() int64 {
	if c.cfg.MaxDataSize > 0 {
		return c.cfg.MaxDataSize
	}
	return 32 * 1024 * 1024
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	line, err := c.lr.ReadLine()
	if err != nil {
		if err == lineio.ErrLineTooLong {
			c.reply(500, "line too long")
			return c.readCommand()
		}
		return "", "", err
	}
	if line == nil {
		return "", "", nil
	}

	s := strings.TrimRight(string(line), "\r\n")
	sp := strings.SplitN(s, " ", 2)
	cmd = strings.ToUpper(strings.TrimSpace(sp[0]))
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params, nil
}

// writeMultilineResponse writes a (possibly multi-line) reply: the first
// N-1 lines use "code-text", the last uses "code text", per RFC 5321
// §4.2.1 -- the writing counterpart of textproto.Reader.ReadResponse.
func writeMultilineResponse(w *bufio.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[len(lines)-1])
	return err
}

// splitReply splits a scenario's configured canned response (e.g.
// "550 Blocked") into its numeric code and message, defaulting to 250/the
// whole string if it doesn't start with a 3-digit code.
func splitReply(s string) (int, string) {
	var code int
	var msg string
	if n, _ := fmt.Sscanf(s, "%d ", &code); n == 1 {
		if sp := strings.SplitN(s, " ", 2); len(sp) == 2 {
			msg = sp[1]
		}
		return code, msg
	}
	return 250, s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseMailParam extracts the angle-bracketed (or bare) address following
// a "FROM:"/"TO:" prefix in a MAIL/RCPT command's parameters, tolerating
// the optional ESMTP parameters that may follow it.
func parseMailParam(params, prefix string) (string, bool) {
	trimmed := strings.TrimSpace(params)
	if !strings.HasPrefix(strings.ToUpper(trimmed), prefix) {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len(prefix):])

	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", false
		}
		addr := rest[1:end]
		return normalizeAddr(addr), true
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", true // a bare "FROM:" with no address is the null sender
	}
	return normalizeAddr(fields[0]), true
}

func normalizeAddr(addr string) string {
	user, domain := renvelope.Split(addr)
	if domain == "" {
		return addr
	}
	return user + "@" + domain
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as an
// address literal, compliant with RFC 5321 §4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}
