package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/stockwatch/connectivity"
	"github.com/hazyhaar/stockwatch/dbopen"
	"github.com/hazyhaar/stockwatch/observability"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recorder is a Channel that fails for destinations in failFor and records
// every attempt.
type recorder struct {
	name    string
	mu      sync.Mutex
	sent    []Message
	failFor map[string]bool
}

func newRecorder(name string, failFor ...string) *recorder {
	r := &recorder{name: name, failFor: map[string]bool{}}
	for _, d := range failFor {
		r.failFor[d] = true
	}
	return r
}

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if r.failFor[msg.Destination] {
		return &ErrSendFailed{Platform: r.name, Destination: msg.Destination, Cause: errors.New("refused")}
	}
	return nil
}

func (r *recorder) Platform() string { return r.name }

func (r *recorder) attempts(dest string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Destination == dest {
			n++
		}
	}
	return n
}

type auditSink struct {
	mu      sync.Mutex
	records []SendRecord
}

func (a *auditSink) Record(_ context.Context, r SendRecord) {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestNotify_FailFast(t *testing.T) {
	email := newRecorder("smtp", "b")
	sms := newRecorder("twilio")
	audit := &auditSink{}
	d := NewDispatcher(email, sms, WithAuditor(audit))

	err := d.Notify(context.Background(), Notification{
		Subject: "Scraper (cups) change detected: IN STOCK",
		Body:    "https://shop/cups",
		Email:   []string{"a", "b", "c"},
		SMS:     []string{"+15550001"},
		RunID:   "w::cups::https://shop/cups",
	})
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if de.Destination != "b" || de.Attempts != DefaultMaxRetries {
		t.Fatalf("got %+v", de)
	}
	if email.attempts("a") != 1 {
		t.Fatalf("a attempts: %d", email.attempts("a"))
	}
	if email.attempts("b") != DefaultMaxRetries {
		t.Fatalf("b attempts: %d", email.attempts("b"))
	}
	if email.attempts("c") != 0 {
		t.Fatal("c must not be attempted after b failed")
	}
	if len(sms.sent) != 0 {
		t.Fatal("sms leg must not run when email failed")
	}
	if len(audit.records) != 1+DefaultMaxRetries {
		t.Fatalf("audit records: %d", len(audit.records))
	}
	for i, r := range audit.records[1:] {
		if r.Attempt != i+1 || r.Err == nil || r.Operation != OpEmailSend {
			t.Fatalf("record %d: %+v", i, r)
		}
	}
}

func TestNotify_SMSBestEffort(t *testing.T) {
	email := newRecorder("smtp")
	sms := newRecorder("twilio", "+1bad")
	d := NewDispatcher(email, sms)

	n := Notification{Subject: "S", Body: "https://u", Email: []string{"a"}, SMS: []string{"+1bad", "+1good"}}
	if err := d.Notify(context.Background(), n); err != nil {
		t.Fatalf("sms failures must not surface: %v", err)
	}
	if sms.attempts("+1bad") != 1 {
		t.Fatal("sms must not be retried")
	}
	if sms.attempts("+1good") != 1 {
		t.Fatal("later sms destinations still attempted")
	}
	if got := sms.sent[1].Body; got != "S - https://u" {
		t.Fatalf("sms body: %q", got)
	}
}

func TestNotify_NoEmailDestinations(t *testing.T) {
	sms := newRecorder("twilio")
	d := NewDispatcher(nil, sms)
	if err := d.Notify(context.Background(), Notification{Subject: "S", Body: "B", SMS: []string{"+1"}}); err != nil {
		t.Fatal(err)
	}
	if len(sms.sent) != 1 {
		t.Fatal("sms should run when there are no email destinations")
	}
}

func TestNotify_EmailChannelMissing(t *testing.T) {
	d := NewDispatcher(nil, nil)
	err := d.Notify(context.Background(), Notification{Email: []string{"a"}})
	var nc *ErrNotConfigured
	if !errors.As(err, &nc) {
		t.Fatalf("expected ErrNotConfigured inside DispatchError, got %v", err)
	}
}

func TestNotify_PermanentStopsRetries(t *testing.T) {
	calls := 0
	email := ChannelFunc{Name: "smtp", Fn: func(context.Context, Message) error {
		calls++
		return connectivity.Permanent(errors.New("550 no such user"))
	}}
	d := NewDispatcher(email, nil, WithMaxRetries(5))
	if err := d.Notify(context.Background(), Notification{Email: []string{"x"}}); err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("calls: %d, want 1", calls)
	}
}

func TestNotify_RecoversFromEventualSuccess(t *testing.T) {
	calls := 0
	email := ChannelFunc{Name: "smtp", Fn: func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("421 try later")
		}
		return nil
	}}
	d := NewDispatcher(email, nil, WithBackoff(time.Millisecond))
	if err := d.Notify(context.Background(), Notification{Email: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestNotify_PanicIsAFailure(t *testing.T) {
	email := ChannelFunc{Name: "smtp", Fn: func(context.Context, Message) error { panic("boom") }}
	d := NewDispatcher(email, nil, WithMaxRetries(1))
	if err := d.Notify(context.Background(), Notification{Email: []string{"x"}}); err == nil {
		t.Fatal("panic should become a dispatch error")
	}
}

func TestAuditTo_Persists(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	al := observability.NewAuditLogger(db, 10)

	d := NewDispatcher(newRecorder("smtp", "b"), nil, WithAuditor(AuditTo(al)), WithMaxRetries(2))
	d.Notify(context.Background(), Notification{Email: []string{"b"}, RunID: "r1"})
	al.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE run_id = 'r1' AND status = 'error'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("audit rows: %d, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Twilio
// ---------------------------------------------------------------------------

func TestTwilio_Send(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
			return
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path: %s", r.URL.Path)
		}
		r.ParseForm()
		gotForm = map[string]string{"To": r.PostForm.Get("To"), "From": r.PostForm.Get("From"), "Body": r.PostForm.Get("Body")}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	ch, err := NewTwilioChannel(TwilioConfig{AccountSID: "AC123", AuthToken: "tok", From: "+1000", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), Message{Destination: "+1999", Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	if gotForm["To"] != "+1999" || gotForm["From"] != "+1000" || gotForm["Body"] != "hello" {
		t.Fatalf("form: %v", gotForm)
	}

	bad, _ := NewTwilioChannel(TwilioConfig{AccountSID: "AC123", AuthToken: "wrong", From: "+1000", BaseURL: srv.URL})
	err = bad.Send(context.Background(), Message{Destination: "+1999", Body: "x"})
	var perm *connectivity.ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("401 should be permanent, got %v", err)
	}
	if !strings.Contains(err.Error(), "Authenticate") {
		t.Fatalf("error should carry the api message: %v", err)
	}
}

func TestTwilio_Config(t *testing.T) {
	if _, err := NewTwilioChannel(TwilioConfig{AuthToken: "t", From: "+1"}); err == nil {
		t.Fatal("missing sid should fail")
	}
	if _, err := NewTwilioChannel(TwilioConfig{AccountSID: "a", From: "+1"}); err == nil {
		t.Fatal("missing token should fail")
	}
}

// ---------------------------------------------------------------------------
// SMTP
// ---------------------------------------------------------------------------

// fakeSMTP is a minimal plaintext SMTP server. Recipients listed in reject
// get a 550. A non-empty mailReply answers every MAIL FROM.
type fakeSMTP struct {
	ln        net.Listener
	reject    map[string]bool
	mailReply string
	mu        sync.Mutex
	data      []string
	mails     int
}

func startFakeSMTP(t *testing.T, reject ...string) *fakeSMTP {
	t.Helper()
	return startFakeSMTPReplying(t, "", reject...)
}

func startFakeSMTPReplying(t *testing.T, mailReply string, reject ...string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSMTP{ln: ln, reject: map[string]bool{}, mailReply: mailReply}
	for _, r := range reject {
		s.reject[r] = true
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTP) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	reply := func(line string) { fmt.Fprintf(c, "%s\r\n", line) }
	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			s.mu.Lock()
			s.mails++
			s.mu.Unlock()
			if s.mailReply != "" {
				reply(s.mailReply)
			} else {
				reply("250 ok")
			}
		case strings.HasPrefix(cmd, "RCPT TO"):
			addr := strings.Trim(strings.TrimSpace(line)[len("RCPT TO:"):], "<>")
			if s.reject[addr] {
				reply("550 no such user")
			} else {
				reply("250 ok")
			}
		case cmd == "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.data = append(s.data, body.String())
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unknown")
		}
	}
}

func TestSMTP_Send(t *testing.T) {
	srv := startFakeSMTP(t)
	ch, err := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "alerts@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	err = ch.Send(context.Background(), Message{
		Destination: "me@example.com",
		Subject:     "Scraper (cups) first run: IN STOCK",
		Body:        "https://shop/cups",
	})
	if err != nil {
		t.Fatal(err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.data) != 1 {
		t.Fatalf("messages: %d", len(srv.data))
	}
	msg := srv.data[0]
	for _, want := range []string{"Subject: Scraper (cups) first run: IN STOCK", "To: me@example.com", "https://shop/cups"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTP_RejectedRecipientIsPermanent(t *testing.T) {
	srv := startFakeSMTP(t, "ghost@example.com")
	ch, _ := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "alerts@example.com"})
	err := ch.Send(context.Background(), Message{Destination: "ghost@example.com", Subject: "s", Body: "b"})
	var perm *connectivity.ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("550 should be permanent, got %v", err)
	}
}

func TestSMTP_NonASCIISubjectIsEncoded(t *testing.T) {
	srv := startFakeSMTP(t)
	ch, _ := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "alerts@example.com"})
	subject := "Scraper (cups) change detected: 在庫あり"
	if err := ch.Send(context.Background(), Message{Destination: "me@example.com", Subject: subject, Body: "https://shop/cups"}); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	msg := srv.data[0]
	srv.mu.Unlock()
	head, _, _ := strings.Cut(msg, "\r\n\r\n")
	var header string
	for _, line := range strings.Split(head, "\r\n") {
		if strings.HasPrefix(line, "Subject: ") {
			header = strings.TrimPrefix(line, "Subject: ")
		}
	}
	for i := 0; i < len(header); i++ {
		if header[i] >= 0x80 {
			t.Fatalf("subject header carries raw non-ASCII bytes: %q", header)
		}
	}
	got, err := new(mime.WordDecoder).DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode %q: %v", header, err)
	}
	if got != subject {
		t.Fatalf("decoded subject: got %q, want %q", got, subject)
	}
}

func TestSMTP_ServerRejectionIsRetried(t *testing.T) {
	srv := startFakeSMTPReplying(t, "554 transaction failed")
	ch, _ := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "alerts@example.com"})

	err := ch.Send(context.Background(), Message{Destination: "me@example.com", Subject: "s", Body: "b"})
	var perm *connectivity.ErrPermanent
	if err == nil || errors.As(err, &perm) {
		t.Fatalf("554 at MAIL FROM should fail and stay retryable, got %v", err)
	}

	d := NewDispatcher(ch, nil, WithMaxRetries(3))
	err = d.Notify(context.Background(), Notification{Subject: "s", Body: "b", Email: []string{"me@example.com"}})
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.mails != 1+3 {
		t.Fatalf("expected 3 dispatcher attempts after the direct send, server saw %d", srv.mails)
	}
}

func TestSMTP_RequireTLS(t *testing.T) {
	srv := startFakeSMTP(t)
	ch, _ := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "a@b", RequireTLS: true})
	if err := ch.Send(context.Background(), Message{Destination: "x@y"}); err == nil {
		t.Fatal("plaintext server should be refused when TLS is required")
	}
}

func TestSMTP_Config(t *testing.T) {
	if _, err := NewSMTPChannel(SMTPConfig{}); err == nil {
		t.Fatal("missing host should fail")
	}
	if _, err := NewSMTPChannel(SMTPConfig{Host: "h"}); err == nil {
		t.Fatal("missing from should fail")
	}
}

func TestLogChannel(t *testing.T) {
	c := &LogChannel{}
	if c.Platform() != "log" {
		t.Fatal(c.Platform())
	}
	if err := c.Send(context.Background(), Message{Destination: "x"}); err != nil {
		t.Fatal(err)
	}
}
