package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{&textproto.Error{Code: 499, Msg: ""}, false},
		{&textproto.Error{Code: 500, Msg: ""}, true},
		{&textproto.Error{Code: 599, Msg: ""}, true},
		{&textproto.Error{Code: 600, Msg: ""}, false},
		{fmt.Errorf("connection reset"), false},
		{nil, false},
	}
	for _, c := range cases {
		if p := IsPermanent(c.err); p != c.permanent {
			t.Errorf("%v: expected %v, got %v", c.err, c.permanent, p)
		}
	}
}

func TestIsASCIIString(t *testing.T) {
	cases := []struct {
		str   string
		ascii bool
	}{
		{"", true},
		{"<>", true},
		{"plainbox", true},
		{"café", false},
		{"zürich", false},
	}
	for _, c := range cases {
		if ascii := isASCIIString(c.str); ascii != c.ascii {
			t.Errorf("%q: expected %v, got %v", c.str, c.ascii, ascii)
		}
	}
}

func mustNewClient(t *testing.T, nc net.Conn) *Client {
	t.Helper()

	c, err := NewClient(nc, "")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func TestSendMailSingleRecipient(t *testing.T) {
	fake, client := fakeDialog(`< 220 welcome
> EHLO relay-test
< 250-mx.robin.test replies hello
< 250-SIZE 35651584
< 250-SMTPUTF8
< 250-8BITMIME
< 250 HELP
> MAIL FROM:<from@origin> BODY=8BITMIME
< 250 MAIL FROM is fine
> RCPT TO:<to@destination>
< 250 RCPT TO is fine
`)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-test"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	if err := c.SendMail("from@origin", []string{"to@destination"}); err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}

	if cmds := fake.Client(); cmds != client {
		t.Fatalf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

func TestSendMailMultipleRecipients(t *testing.T) {
	fake, client := fakeDialog(`< 220 welcome
> EHLO relay-test
< 250-mx.robin.test replies hello
< 250-SIZE 35651584
< 250-8BITMIME
< 250 HELP
> MAIL FROM:<from@origin> BODY=8BITMIME
< 250 MAIL FROM is fine
> RCPT TO:<first@destination>
< 250 RCPT TO is fine
> RCPT TO:<second@destination>
< 250 RCPT TO is fine
`)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-test"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	if err := c.SendMail("from@origin", []string{"first@destination", "second@destination"}); err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}

	if cmds := fake.Client(); cmds != client {
		t.Fatalf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

func TestSendMailSMTPUTF8Advertised(t *testing.T) {
	fake, client := fakeDialog(`< 220 welcome
> EHLO relay-tëst
< 250-mx.robin.test replies hello
< 250-SIZE 35651584
< 250-SMTPUTF8
< 250-8BITMIME
< 250 HELP
> MAIL FROM:<älskare@exämple> BODY=8BITMIME SMTPUTF8
< 250 MAIL FROM is fine
> RCPT TO:<müller@zürich>
< 250 RCPT TO is fine
`)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-tëst"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	if err := c.SendMail("älskare@exämple", []string{"müller@zürich"}); err != nil {
		t.Fatalf("SendMail failed: %v\nDialog: %s", err, fake.Client())
	}

	if cmds := fake.Client(); cmds != client {
		t.Fatalf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

func TestSendMailLocalPartRejectedWithoutUTF8(t *testing.T) {
	fake, client := fakeDialog(`< 220 welcome
> EHLO relay-tëst
< 250-mx.robin.test replies hello
< 250-SIZE 35651584
< 250-8BITMIME
< 250 HELP
`)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-tëst"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	err := c.SendMail("älskare@exämple", []string{"müller@zürich"})
	terr, ok := err.(*textproto.Error)
	if !ok || terr.Code != 599 {
		t.Fatalf("SendMail failed with unexpected error: %v\nDialog: %s",
			err, fake.Client())
	}

	if cmds := fake.Client(); cmds != client {
		t.Fatalf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

func TestSendMailFallsBackToIDNA(t *testing.T) {
	fake, client := fakeDialog(`< 220 welcome
> EHLO relay-tëst
< 250-mx.robin.test replies hello
< 250-SIZE 35651584
< 250-8BITMIME
< 250 HELP
> MAIL FROM:<big@xn--exmple-cua> BODY=8BITMIME
< 250 MAIL FROM is fine
> RCPT TO:<tall@xn--zrich-kva>
< 250 RCPT TO is fine
`)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-tëst"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	if err := c.SendMail("big@exämple", []string{"tall@zürich"}); err != nil {
		terr, ok := err.(*textproto.Error)
		if !ok || terr.Code != 599 {
			t.Fatalf("SendMail failed with unexpected error: %v\nDialog: %s",
				err, fake.Client())
		}
	}

	if cmds := fake.Client(); cmds != client {
		t.Fatalf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

func TestOversizedReplyLine(t *testing.T) {
	// Fake the server sending a >2MiB reply, which should make the reader
	// give up rather than buffer it forever.
	dialog := `< 220 welcome
> EHLO relay-tëst
< 250 HELP
> NOOP
< 250 longreply:` + fmt.Sprintf("%2097152s", "x") + `:
> NOOP
< 250 ok
`

	fake, client := fakeDialog(dialog)

	c := mustNewClient(t, fake)
	if err := c.Hello("relay-tëst"); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	if err := c.Noop(); err != nil {
		t.Errorf("Noop failed: %v", err)
	}

	if err := c.Noop(); err != io.EOF {
		t.Errorf("Expected EOF, got: %v", err)
	}

	if cmds := fake.Client(); cmds != client {
		t.Errorf("Got:\n%s\nExpected:\n%s", cmds, client)
	}
}

// faker is an in-memory net.Conn driven from a scripted dialog, for testing
// the client side of the protocol without a real socket.
type faker struct {
	buf *bytes.Buffer
	*bufio.ReadWriter
}

func (f faker) Close() error                     { return nil }
func (f faker) LocalAddr() net.Addr              { return nil }
func (f faker) RemoteAddr() net.Addr             { return nil }
func (f faker) SetDeadline(time.Time) error      { return nil }
func (f faker) SetReadDeadline(time.Time) error  { return nil }
func (f faker) SetWriteDeadline(time.Time) error { return nil }
func (f faker) Client() string {
	f.ReadWriter.Writer.Flush()
	return f.buf.String()
}

var _ net.Conn = faker{}

// fakeDialog turns a scripted "< server line" / "> expected client line"
// transcript into a faker to dial against and the client-side transcript
// it should produce if the dialog is followed correctly.
func fakeDialog(dialog string) (faker, string) {
	var client, server string

	for _, l := range strings.Split(dialog, "\n") {
		switch {
		case strings.HasPrefix(l, "< "):
			server += l[2:] + "\r\n"
		case strings.HasPrefix(l, "> "):
			client += l[2:] + "\r\n"
		}
	}

	fake := faker{buf: &bytes.Buffer{}}
	fake.ReadWriter = bufio.NewReadWriter(
		bufio.NewReader(strings.NewReader(server)), bufio.NewWriter(fake.buf))

	return fake, client
}
