package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/internal/socket"
	"github.com/ltngt-ai/mailwire/transport"
)

// fakeConn is an in-memory socket.Conn controlled by the test.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound chan []byte
	broken  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		broken:  make(chan struct{}),
	}
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.broken:
		return nil, io.ErrClosedPipe
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Ping(deadline time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.broken) })
	return nil
}

func (c *fakeConn) breakConn() {
	c.once.Do(func() { close(c.broken) })
}

func (c *fakeConn) deliver(t *testing.T, frame interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (socket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// newConnectedAdapter wires an adapter over a connected fake socket.
func newConnectedAdapter(t *testing.T, opts ...AdapterOption) (*Adapter, *fakeConn, *transport.Transport) {
	t.Helper()
	conn := newFakeConn()
	tr := transport.NewTransport("ws://test.invalid/ws",
		transport.WithDialer(&fakeDialer{conns: []*fakeConn{conn}}),
		transport.WithHeartbeatInterval(time.Hour),
		transport.WithMaxReconnectAttempts(1),
		transport.WithReconnectDelay(time.Hour),
	)
	a := NewAdapter(tr, opts...)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Disconnect() })
	return a, conn, tr
}

func decodeSent(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestIdentityHandshake(t *testing.T) {
	t.Run("identity is announced on connect", func(t *testing.T) {
		_, conn, _ := newConnectedAdapter(t, WithUserEmail("user@example"))

		require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, time.Second, time.Millisecond)
		frame := decodeSent(t, conn.sentFrames()[0])
		assert.Equal(t, contracts.FrameTypeSetIdentity, frame["type"])
		assert.Equal(t, "user@example", frame["email_address"])
	})

	t.Run("identity is announced even without a known address", func(t *testing.T) {
		_, conn, _ := newConnectedAdapter(t)

		require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 1 }, time.Second, time.Millisecond)
		frame := decodeSent(t, conn.sentFrames()[0])
		assert.Equal(t, contracts.FrameTypeSetIdentity, frame["type"])
		assert.Equal(t, "", frame["email_address"])
	})

	t.Run("confirmation caches the authoritative addresses", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t, WithUserEmail("provisional@example"))

		conn.deliver(t, contracts.IdentityConfirmedFrame{
			Type:         contracts.FrameTypeIdentityConfirmed,
			EmailAddress: "user@example",
			UIAgentEmail: "ui-agent@example",
		})

		require.Eventually(t, func() bool { return a.UIAgentEmail() == "ui-agent@example" }, time.Second, time.Millisecond)
		assert.Equal(t, "user@example", a.UserEmail())
	})

	t.Run("sendMailTo defaults its target to the cached UI agent", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t, WithUserEmail("user@example"))

		conn.deliver(t, contracts.IdentityConfirmedFrame{
			Type:         contracts.FrameTypeIdentityConfirmed,
			EmailAddress: "user@example",
			UIAgentEmail: "ui-agent@example",
		})
		require.Eventually(t, func() bool { return a.UIAgentEmail() != "" }, time.Second, time.Millisecond)

		sent, err := a.SendMailTo("", "hello", "body", nil)

		require.NoError(t, err)
		assert.Equal(t, "ui-agent@example", sent.To)
		assert.Equal(t, "user@example", sent.From)
		assert.NotEmpty(t, sent.MessageID)
	})
}

func TestSendMail(t *testing.T) {
	t.Run("SendMail fails when not connected", func(t *testing.T) {
		tr := transport.NewTransport("ws://test.invalid/ws",
			transport.WithDialer(&fakeDialer{}))
		a := NewAdapter(tr)

		_, err := a.SendMail(contracts.NewMail("agent@example", "s", "b"))

		assert.ErrorIs(t, err, contracts.ErrNotConnected)
	})

	t.Run("SendMail writes the wire envelope with synthesized headers", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t, WithUserEmail("user@example"))

		mail := contracts.NewMail("agent@example", "Task request", "do the thing")
		mail.InReplyTo = "prev-123"
		sent, err := a.SendMail(mail)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 2 }, time.Second, time.Millisecond)
		var f contracts.MailFrame
		// Frame 0 is the identity announcement.
		require.NoError(t, json.Unmarshal(conn.sentFrames()[1], &f))
		assert.Equal(t, contracts.FrameTypeMail, f.Type)
		assert.Equal(t, "agent@example", f.Mail.Headers[contracts.HeaderTo])
		assert.Equal(t, "user@example", f.Mail.Headers[contracts.HeaderFrom])
		assert.Equal(t, "Task request", f.Mail.Headers[contracts.HeaderSubject])
		assert.Equal(t, sent.MessageID, f.Mail.Headers[contracts.HeaderMessageID])
		assert.Equal(t, "prev-123", f.Mail.Headers[contracts.HeaderInReplyTo])
		assert.Equal(t, "do the thing", f.Mail.Body)
	})

	t.Run("SendMailTo applies options", func(t *testing.T) {
		a, _, _ := newConnectedAdapter(t, WithUserEmail("user@example"))

		sent, err := a.SendMailTo("agent@example", "subject", "body", &SendOptions{
			InReplyTo: "orig-1",
			Headers:   map[string]string{"X-Priority": "high"},
			Timeout:   time.Second,
		})

		require.NoError(t, err)
		assert.Equal(t, "orig-1", sent.InReplyTo)
		assert.Equal(t, "high", sent.Headers["X-Priority"])
	})
}

func TestInboundClassification(t *testing.T) {
	collect := func(a *Adapter) (*sync.Mutex, *[]contracts.Mail) {
		var mu sync.Mutex
		var got []contracts.Mail
		a.Subscribe(func(m contracts.Mail) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		})
		return &mu, &got
	}

	t.Run("full mail envelope reaches subscribers", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		mu, got := collect(a)

		conn.deliver(t, contracts.MailFrame{
			Type: contracts.FrameTypeMail,
			Mail: contracts.WireMail{
				Headers: map[string]string{
					contracts.HeaderTo:        "user@example",
					contracts.HeaderFrom:      "agent@example",
					contracts.HeaderSubject:   "Response: task",
					contracts.HeaderMessageID: "m-1",
				},
				Body: "done",
			},
		})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(*got) == 1
		}, time.Second, time.Millisecond)
		mu.Lock()
		m := (*got)[0]
		mu.Unlock()
		assert.Equal(t, "agent@example", m.From)
		assert.Equal(t, "Response: task", m.Subject)
		assert.Equal(t, "m-1", m.MessageID)
		assert.Equal(t, "done", m.Body)
	})

	t.Run("flattened notification is normalized to the same shape", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		mu, got := collect(a)

		conn.deliver(t, contracts.MailNotificationFrame{
			Type:      contracts.FrameTypeMailNotification,
			MessageID: "m-2",
			From:      "agent@example",
			To:        "user@example",
			Subject:   "ping",
			Body:      "pong",
			Timestamp: "2026-08-25T10:00:00Z",
			InReplyTo: "m-1",
		})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(*got) == 1
		}, time.Second, time.Millisecond)
		mu.Lock()
		m := (*got)[0]
		mu.Unlock()
		assert.Equal(t, "m-2", m.MessageID)
		assert.Equal(t, "m-1", m.InReplyTo)
		assert.Equal(t, 2026, m.Timestamp.Year())
	})

	t.Run("unrecognized frame types are dropped silently", func(t *testing.T) {
		a, conn, tr := newConnectedAdapter(t)
		mu, got := collect(a)

		conn.deliver(t, map[string]string{"type": "telemetry", "value": "42"})
		conn.deliver(t, contracts.MailNotificationFrame{
			Type:    contracts.FrameTypeMailNotification,
			Subject: "after",
		})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(*got) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, transport.StateConnected, tr.State())
	})

	t.Run("a panicking subscriber does not block the next", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		a.Subscribe(func(m contracts.Mail) { panic("boom") })
		reached := make(chan struct{}, 1)
		a.Subscribe(func(m contracts.Mail) { reached <- struct{}{} })

		conn.deliver(t, contracts.MailNotificationFrame{
			Type:    contracts.FrameTypeMailNotification,
			Subject: "hi",
		})

		select {
		case <-reached:
		case <-time.After(time.Second):
			t.Fatal("second subscriber never ran")
		}
	})
}

func TestWaitForReply(t *testing.T) {
	notification := func(subject, inReplyTo string) contracts.MailNotificationFrame {
		return contracts.MailNotificationFrame{
			Type:      contracts.FrameTypeMailNotification,
			MessageID: "reply-1",
			From:      "agent@example",
			Subject:   subject,
			Body:      "result",
			InReplyTo: inReplyTo,
		}
	}

	t.Run("in_reply_to linkage wins regardless of subject", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		sent := contracts.NewMail("agent@example", "do work", "please")

		done := make(chan contracts.Mail, 1)
		go func() {
			m, err := a.WaitForReply(context.Background(), sent, LiteralSubject(sent.Subject), time.Second)
			require.NoError(t, err)
			done <- m
		}()
		time.Sleep(10 * time.Millisecond)

		conn.deliver(t, notification("completely unrelated", sent.MessageID))

		select {
		case m := <-done:
			assert.Equal(t, "reply-1", m.MessageID)
		case <-time.After(time.Second):
			t.Fatal("reply never accepted")
		}
	})

	t.Run("subject heuristics accept Response, Re and substring forms", func(t *testing.T) {
		cases := []struct {
			name    string
			subject string
			accept  bool
		}{
			{"response prefix", "Response: do work", true},
			{"re prefix", "Re: do work", true},
			{"substring", "regarding do work today", true},
			{"unrelated", "something else", false},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				a, conn, _ := newConnectedAdapter(t)
				sent := contracts.NewMail("agent@example", "do work", "please")

				result := make(chan error, 1)
				go func() {
					_, err := a.WaitForReply(context.Background(), sent, LiteralSubject(sent.Subject), 150*time.Millisecond)
					result <- err
				}()
				time.Sleep(10 * time.Millisecond)

				conn.deliver(t, notification(tc.subject, ""))

				err := <-result
				if tc.accept {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
				}
			})
		}
	})

	t.Run("regex patterns match the inbound subject", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		sent := contracts.NewMail("agent@example", "job 42", "run")

		done := make(chan error, 1)
		go func() {
			_, err := a.WaitForReply(context.Background(), sent, RegexSubject(regexp.MustCompile(`^job \d+ finished$`)), time.Second)
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)

		conn.deliver(t, notification("job 42 finished", ""))

		assert.NoError(t, <-done)
	})

	t.Run("timeout names the original subject", func(t *testing.T) {
		a, _, _ := newConnectedAdapter(t)
		sent := contracts.NewMail("agent@example", "slow job", "run")

		_, err := a.WaitForReply(context.Background(), sent, LiteralSubject("slow job"), 20*time.Millisecond)

		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.Contains(t, err.Error(), "slow job")
	})

	t.Run("disconnect rejects the wait with ConnectionLost", func(t *testing.T) {
		a, _, tr := newConnectedAdapter(t)
		sent := contracts.NewMail("agent@example", "never answered", "run")

		result := make(chan error, 1)
		go func() {
			_, err := a.WaitForReply(context.Background(), sent, LiteralSubject(sent.Subject), 5*time.Second)
			result <- err
		}()
		time.Sleep(10 * time.Millisecond)

		tr.Disconnect()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, contracts.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("wait was left pending after disconnect")
		}
	})

	t.Run("unexpected drop rejects the wait with ConnectionLost", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t)
		sent := contracts.NewMail("agent@example", "never answered", "run")

		result := make(chan error, 1)
		go func() {
			_, err := a.WaitForReply(context.Background(), sent, LiteralSubject(sent.Subject), 5*time.Second)
			result <- err
		}()
		time.Sleep(10 * time.Millisecond)

		conn.breakConn()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, contracts.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("wait was left pending after drop")
		}
	})

	t.Run("RequestMatch arms the listener before sending", func(t *testing.T) {
		a, conn, _ := newConnectedAdapter(t, WithUserEmail("user@example"))

		done := make(chan contracts.Mail, 1)
		go func() {
			m, err := a.RequestMatch(context.Background(),
				contracts.NewMail("agent@example", "quick job", "run"),
				LiteralSubject("quick job"), time.Second)
			require.NoError(t, err)
			done <- m
		}()

		// Reply as soon as the mail frame hits the wire.
		require.Eventually(t, func() bool { return len(conn.sentFrames()) >= 2 }, time.Second, time.Millisecond)
		conn.deliver(t, notification("Re: quick job", ""))

		select {
		case m := <-done:
			assert.Equal(t, "result", m.Body)
		case <-time.After(time.Second):
			t.Fatal("request never resolved")
		}
	})
}
