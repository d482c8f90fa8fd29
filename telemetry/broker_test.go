package telemetry

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/openhand/openhand/internal/testcert"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

// fakePrinter speaks just enough MQTT to stand in for printer broker.
type fakePrinter struct {
	t      testing.TB
	ln     net.Listener
	alive  *alive.Alive
	conns  chan *transport.NetConn
	secret string
}

func newFakePrinter(t testing.TB, secret string) *fakePrinter {
	ca := testcert.NewCA(t, "printer CA")
	fp := &fakePrinter{
		t:      t,
		ln:     testcert.Listen(t, ca.ServerConfig(t, "01S00C000000001")),
		alive:  alive.NewAlive(),
		conns:  make(chan *transport.NetConn, 4),
		secret: secret,
	}
	fp.alive.Add(1)
	go fp.acceptLoop()
	return fp
}

func (fp *fakePrinter) Port() int { return testcert.Port(fp.ln) }

func (fp *fakePrinter) Close() {
	fp.alive.Stop()
	_ = fp.ln.Close()
	fp.alive.Wait()
}

func (fp *fakePrinter) acceptLoop() {
	defer fp.alive.Done()
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		if !fp.alive.Add(1) {
			conn.Close()
			return
		}
		_ = conn.SetDeadline(time.Now().Add(testTimeout))
		go fp.serve(transport.NewNetConn(conn))
	}
}

// serve completes connect and subscribe, then hands conn to test.
func (fp *fakePrinter) serve(conn *transport.NetConn) {
	defer fp.alive.Done()
	pkt, err := conn.Receive()
	if err != nil {
		fp.t.Logf("fake printer receive connect err=%v", err)
		return
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		fp.t.Errorf("expected connect, received %s", pkt)
		return
	}
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	if connect.Username != printer.Username || connect.Password != fp.secret {
		connack.ReturnCode = packet.NotAuthorized
	}
	if err = conn.Send(connack, false); err != nil || connack.ReturnCode != packet.ConnectionAccepted {
		_ = conn.Close()
		return
	}
	for {
		pkt, err = conn.Receive()
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			for _, sub := range p.Subscriptions {
				assert.Equal(fp.t, ReportTopic, sub.Topic)
				suback.ReturnCodes = append(suback.ReturnCodes, sub.QOS)
			}
			if err = conn.Send(suback, false); err != nil {
				return
			}
			fp.conns <- conn
		case *packet.Pingreq:
			_ = conn.Send(packet.NewPingresp(), false)
		case *packet.Unsubscribe:
			unsuback := packet.NewUnsuback()
			unsuback.ID = p.ID
			_ = conn.Send(unsuback, false)
		case *packet.Disconnect:
			_ = conn.Close()
			return
		}
	}
}

func report(conn *transport.NetConn, payload string) error {
	pub := packet.NewPublish()
	pub.Message = packet.Message{
		Topic:   "device/01S00C000000001/report",
		Payload: []byte(payload),
		QOS:     packet.QOSAtMostOnce,
	}
	return conn.Send(pub, false)
}

func TestBrokerReconnect(t *testing.T) {
	t.Parallel()
	fp := newFakePrinter(t, "12345678")
	defer fp.Close()

	p := printer.Printer{Name: "fake", Address: "127.0.0.1", Secret: "12345678"}
	c := New(p, Options{
		Log:           log2.NewTest(t, log2.LDebug),
		Port:          fp.Port(),
		RetryInterval: 100 * time.Millisecond,
	})
	c.Start()
	defer c.Wait()
	defer c.Stop()

	var conn *transport.NetConn
	select {
	case conn = <-fp.conns:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for subscribe")
	}
	require.NoError(t, report(conn, `{"print":{"bed_temper":55.0,"mc_percent":20,"layer_num":14,"total_layer_num":67}}`))
	s := waitPhase(t, c, status.PhaseSuccess)
	assert.Equal(t, 20, *s.ProgressPercent)
	assert.Equal(t, 67, *s.TotalLayers)
	waitState(t, c, StateConnected)

	// broken connection is reported, then transport reconnects on its own
	require.NoError(t, conn.Close())
	s = waitPhase(t, c, status.PhaseError)
	assert.NotNil(t, s.Error)

	select {
	case conn = <-fp.conns:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for resubscribe")
	}
	require.NoError(t, report(conn, `{"print":{"mc_percent":21}}`))
	s = waitPhase(t, c, status.PhaseSuccess)
	assert.Equal(t, 21, *s.ProgressPercent)
}

func TestBrokerDialError(t *testing.T) {
	t.Parallel()
	// listener without TLS: handshake fails
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n"))
			conn.Close()
		}
	}()

	p := printer.Printer{Name: "fake", Address: "127.0.0.1", Secret: "12345678"}
	c := New(p, Options{
		Log:           log2.NewTest(t, log2.LDebug),
		Port:          ln.Addr().(*net.TCPAddr).Port,
		RetryInterval: 50 * time.Millisecond,
		TLS:           &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	})
	c.Start()
	s := waitPhase(t, c, status.PhaseError)
	require.NotNil(t, s.Error)
	assert.Contains(t, *s.Error, "dial 127.0.0.1")
	c.Stop()
	c.Wait()
}

func TestBrokerNotAuthorized(t *testing.T) {
	t.Parallel()
	fp := newFakePrinter(t, "12345678")
	defer fp.Close()

	p := printer.Printer{Name: "fake", Address: "127.0.0.1", Secret: "WRONG123"}
	c := New(p, Options{
		Log:            log2.NewTest(t, log2.LDebug),
		Port:           fp.Port(),
		ConnectTimeout: 300 * time.Millisecond,
		RetryInterval:  100 * time.Millisecond,
	})
	c.Start()
	s := waitPhase(t, c, status.PhaseError)
	require.NotNil(t, s.Error)
	assert.Contains(t, *s.Error, "not authorized")

	// transport keeps retrying past connect timeout, refusal stays the cause
	time.Sleep(3 * c.opt.ConnectTimeout)
	s = c.Current()
	assert.Equal(t, status.PhaseError, s.Phase)
	require.NotNil(t, s.Error)
	assert.Contains(t, *s.Error, "not authorized")
	assert.NotContains(t, *s.Error, "timeout")
	assert.Equal(t, StateConnecting, c.State())
	c.Stop()
	c.Wait()
}

func TestConnackConn(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  []byte
		expect string
	}{
		{"accepted", []byte{0x20, 0x02, 0x00, 0x00, 0xd0, 0x00}, ""},
		{"not-authorized", []byte{0x20, 0x02, 0x00, 0x05}, "not authorized, check access code"},
		{"bad-password", []byte{0x20, 0x02, 0x00, 0x04}, "bad user name or password, check access code"},
		{"not-connack", []byte{0x30, 0x02, 0x00, 0x05}, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			server, client := net.Pipe()
			defer client.Close()
			go func() {
				// one byte at a time, the way MQTT fixed header is read
				for _, b := range c.input {
					_, _ = server.Write([]byte{b})
				}
				server.Close()
			}()
			refused := ""
			cc := &connackConn{Conn: client, refused: func(code packet.ConnackCode) { refused = connackText(code) }}
			buf := make([]byte, 1)
			total := 0
			for {
				n, err := cc.Read(buf)
				total += n
				if err != nil {
					break
				}
			}
			assert.Equal(t, len(c.input), total)
			assert.Equal(t, c.expect, refused)
		})
	}
}
