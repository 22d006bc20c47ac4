package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize applies when SessionOptions.MaxMessageSize is zero.
const DefaultMaxMessageSize = 25 << 20

// errMessageTooLarge is returned by readData when the client sends more
// than the advertised SIZE.
var errMessageTooLarge = errors.New("message exceeds maximum size")

// Deliverer accepts messages received over SMTP. *mailer.Mailer satisfies it.
type Deliverer interface {
	// Send runs the full pipeline, including pre-send filters.
	Send(ctx context.Context, msg *email.Email) error
	// SendUnfiltered skips pre-send filters. Used for messages that could
	// not be parsed and only carry envelope data.
	SendUnfiltered(ctx context.Context, msg *email.Email) error
}

// SessionOptions holds per-session settings shared by every connection.
type SessionOptions struct {
	Hostname string
	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig      *tls.Config
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn      net.Conn
	reader    *textproto.Reader
	writer    *textproto.Writer
	state     int
	auth      *Authenticator
	deliverer Deliverer
	opts      SessionOptions
	logger    *slog.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, d Deliverer, opts SessionOptions) *Session {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		conn:      conn,
		state:     stateConnected,
		auth:      auth,
		deliverer: d,
		opts:      opts,
		logger:    logger.With("remote_addr", conn.RemoteAddr().String()),
	}
	s.bind(conn)
	return s
}

func (s *Session) bind(conn net.Conn) {
	s.conn = conn
	s.reader = textproto.NewReader(bufio.NewReader(conn))
	s.writer = textproto.NewWriter(bufio.NewWriter(conn))
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-sink-lite", s.opts.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.opts.Hostname, arg)
	if s.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.opts.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. The client must greet
// again afterwards.
func (s *Session) handleSTARTTLS() {
	if s.opts.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.bind(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, err := s.reader.ReadLine()
		if err != nil {
			s.logger.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "PLAIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) handleAuthLogin() {
	// "Username:" and "Password:" in base64.
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.reader.ReadLine()
	if err != nil {
		s.logger.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.reader.ReadLine()
	if err != nil {
		s.logger.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "LOGIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes MAIL FROM. A declared SIZE larger than the limit is
// rejected before any data is sent.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitParams(arg[5:])
	addr = extractAddress(addr)
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if v, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if size > s.opts.MaxMessageSize {
			s.writeLine("552 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitParams(arg[3:])
	addr = extractAddress(addr)
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.logger.Warn("message rejected", "reason", err.Error(), "limit", s.opts.MaxMessageSize)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		return
	}

	if err := s.deliver(ctx, raw); err != nil {
		s.logger.Error("message delivery failed", "from", s.mailFrom, "error", err)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}

	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

// readData reads the dot-terminated message body. Lines are unstuffed and
// normalised to LF. Oversized input is drained so the session stays in sync.
func (s *Session) readData() ([]byte, error) {
	dr := s.reader.DotReader()
	limit := s.opts.MaxMessageSize

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(dr, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		if _, err := io.Copy(io.Discard, dr); err != nil {
			return nil, err
		}
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

// deliver parses raw and hands it to the pipeline. Messages that cannot be
// parsed still go through, carrying only envelope data and the raw bytes.
func (s *Session) deliver(ctx context.Context, raw []byte) error {
	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse message, delivering envelope only", "error", err)
		return s.deliverer.SendUnfiltered(ctx, &email.Email{
			From: s.mailFrom,
			To:   append([]string(nil), s.rcptTo...),
			Raw:  raw,
		})
	}

	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		msg.To = append([]string(nil), s.rcptTo...)
	} else {
		msg.Bcc = append(msg.Bcc, blindRecipients(msg, s.rcptTo)...)
	}
	return s.deliverer.Send(ctx, msg)
}

// blindRecipients returns the envelope recipients that no header names.
func blindRecipients(msg *email.Email, rcpts []string) []string {
	_, listed := email.Envelope(msg)
	seen := make(map[string]bool, len(listed))
	for _, addr := range listed {
		seen[strings.ToLower(addr)] = true
	}

	var blind []string
	for _, addr := range rcpts {
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		blind = append(blind, addr)
	}
	return blind
}

func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction without affecting
// the greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) writeLine(format string, args ...any) {
	if err := s.writer.PrintfLine(format, args...); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitParams separates the address from ESMTP parameters such as
// "SIZE=1024 BODY=8BITMIME". Parameter keys are upper-cased.
func splitParams(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)

	addrEnd := len(s)
	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			addrEnd = end + 1
		}
	} else if i := strings.IndexByte(s, ' '); i >= 0 {
		addrEnd = i
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(s[addrEnd:]) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return s[:addrEnd], params
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	return s
}
