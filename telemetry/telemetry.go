// Package telemetry keeps one printer's status snapshot up to date
// from its MQTT report stream.
//
// Client contract:
// - Start() returns immediately, connect and reconnect happen in background
// - transport failures never panic or block caller, they become ERROR snapshot
// - unparsable reports are dropped, snapshot unchanged
// - after Stop() returns, no snapshot update is published
// - snapshot reads never block on network
package telemetry

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/helpers/atomic_clock"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/status"
	"github.com/openhand/openhand/trust"
	"github.com/temoto/alive/v2"
)

const (
	// ReportTopic is subscription filter for all device reports.
	ReportTopic     = "device/+/report"
	ClientIDPrefix  = "openhand-"
	reportQos       = 0
	disconnectQuiet = 250 // ms

	DefaultConnectTimeout       = 5 * time.Second
	DefaultKeepAlive            = 30 * time.Second
	DefaultRetryInterval        = 5 * time.Second
	DefaultMaxReconnectInterval = 30 * time.Second
)

// Recorder receives every raw report frame before decoding.
type Recorder interface {
	Record(topic string, payload []byte, at time.Time) error
}

type Options struct {
	Log                  *log2.Log
	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	RetryInterval        time.Duration
	MaxReconnectInterval time.Duration
	// TLS default is trust.InsecureConfig(): printers present self-signed certificates.
	TLS     *tls.Config
	Port    int
	Journal Recorder
	// NewClient replaces paho client constructor in tests.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Stats struct {
	Received    uint64
	Decoded     uint64
	Rejected    uint64
	Unexpected  uint64
	LastMessage time.Time
}

type Client struct {
	printer printer.Printer
	opt     Options
	log     *log2.Log
	filter  *topic.Tree

	mu    sync.Mutex
	sess  *session
	last  *session
	state State
	subs  map[chan status.Snapshot]struct{}

	snap atomic.Value // versioned

	received   uint64
	decoded    uint64
	rejected   uint64
	unexpected uint64
	lastAt     atomic_clock.Clock
}

type versioned struct {
	v uint64
	s status.Snapshot
}

// session is one Start..Stop cycle. Callbacks carry their session and
// compare it with Client.sess, stale sessions publish nothing.
type session struct {
	id    string
	m     mqtt.Client
	alive *alive.Alive
	// cause is set by failed dial or refused CONNACK, cleared on connect.
	// paho retries both silently, cause keeps them from reading as timeout.
	cause atomic.Value // errorBox
}

type errorBox struct{ error }

func New(p printer.Printer, opt Options) *Client {
	opt.ConnectTimeout = helpers.DurationDefault(opt.ConnectTimeout, DefaultConnectTimeout)
	opt.KeepAlive = helpers.DurationDefault(opt.KeepAlive, DefaultKeepAlive)
	opt.RetryInterval = helpers.DurationDefault(opt.RetryInterval, DefaultRetryInterval)
	opt.MaxReconnectInterval = helpers.DurationDefault(opt.MaxReconnectInterval, DefaultMaxReconnectInterval)
	if opt.TLS == nil {
		opt.TLS = trust.InsecureConfig()
	}
	if opt.Port == 0 {
		opt.Port = printer.PortTelemetry
	}
	if opt.NewClient == nil {
		opt.NewClient = mqtt.NewClient
	}
	c := &Client{
		printer: p,
		opt:     opt,
		log:     opt.Log.Prefixed("telemetry " + p.Name + ": "),
		filter:  topic.NewStandardTree(),
		subs:    make(map[chan status.Snapshot]struct{}),
	}
	c.filter.Add(ReportTopic, true)
	c.snap.Store(versioned{s: status.Snapshot{Phase: status.PhaseConnecting}})
	return c
}

func (c *Client) Printer() printer.Printer { return c.printer }

// Start is idempotent: while running, repeated calls do nothing.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return
	}
	sess := &session{
		id:    newClientID(),
		alive: alive.NewAlive(),
	}
	sess.m = c.opt.NewClient(c.clientOptions(sess))
	c.sess = sess
	c.last = sess
	c.state = StateConnecting
	c.log.Debugf("start client_id=%s broker=%s", sess.id, c.brokerURL())
	sess.alive.Add(1)
	go c.connect(sess)
}

// Stop detaches current session and returns immediately.
// Unsubscribe and disconnect run in background, failures are logged.
// Snapshot is kept as is.
func (c *Client) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = StateStopped
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.log.Debugf("stop client_id=%s", sess.id)
	sess.alive.Add(1)
	sess.alive.Stop()
	go c.teardown(sess)
}

// Wait until background work of the last session is finished.
func (c *Client) Wait() {
	c.mu.Lock()
	sess := c.last
	c.mu.Unlock()
	if sess != nil {
		sess.alive.Wait()
	}
}

func (c *Client) Current() status.Snapshot {
	return c.snap.Load().(versioned).s.Clone()
}

// Version increments on every published snapshot.
func (c *Client) Version() uint64 {
	return c.snap.Load().(versioned).v
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	return Stats{
		Received:    atomic.LoadUint64(&c.received),
		Decoded:     atomic.LoadUint64(&c.decoded),
		Rejected:    atomic.LoadUint64(&c.rejected),
		Unexpected:  atomic.LoadUint64(&c.unexpected),
		LastMessage: c.lastAt.Time(),
	}
}

// Subscribe returns channel of snapshots, primed with current one.
// Slow reader misses intermediate values but always gets the newest.
// Call cancel func to release the channel, it is closed then.
func (c *Client) Subscribe() (<-chan status.Snapshot, func()) {
	ch := make(chan status.Snapshot, 1)
	c.mu.Lock()
	ch <- c.Current()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Client) brokerURL() string {
	return "ssl://" + c.printer.HostPort(c.opt.Port)
}

func (c *Client) clientOptions(sess *session) *mqtt.ClientOptions {
	handler := c.onMessage(sess)
	return mqtt.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID(sess.id).
		SetUsername(printer.Username).
		SetPassword(c.printer.Secret).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(c.opt.RetryInterval).
		SetMaxReconnectInterval(c.opt.MaxReconnectInterval).
		SetConnectTimeout(c.opt.ConnectTimeout).
		SetKeepAlive(c.opt.KeepAlive).
		SetPingTimeout(c.opt.ConnectTimeout).
		SetWriteTimeout(c.opt.ConnectTimeout).
		SetOrderMatters(true).
		SetDefaultPublishHandler(handler).
		SetCustomOpenConnectionFn(c.dial(sess)).
		SetOnConnectHandler(c.onConnect(sess, handler)).
		SetConnectionLostHandler(c.onConnectionLost(sess)).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.log.Debugf("reconnecting client_id=%s", sess.id)
		})
}

func (c *Client) dial(sess *session) mqtt.OpenConnectionFunc {
	return func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) { //nolint:gocritic
		d := &net.Dialer{Timeout: c.opt.ConnectTimeout}
		conn, err := tls.DialWithDialer(d, "tcp", uri.Host, c.opt.TLS.Clone())
		if err != nil {
			err = errors.Annotatef(err, "dial %s", uri.Host)
			sess.cause.Store(errorBox{err})
			c.fail(sess, err)
			return nil, err
		}
		return &connackConn{Conn: conn, refused: func(code packet.ConnackCode) {
			err := errors.Errorf("connect %s refused: %s", c.brokerURL(), connackText(code))
			sess.cause.Store(errorBox{err})
			c.fail(sess, err)
		}}, nil
	}
}

func (c *Client) connect(sess *session) {
	defer sess.alive.Done()
	tok := sess.m.Connect()
	if !tok.WaitTimeout(c.opt.ConnectTimeout) {
		// dial failure or refusal already reported its own cause
		if box, _ := sess.cause.Load().(errorBox); box.error == nil {
			c.fail(sess, errors.Timeoutf("connect %s", c.brokerURL()))
		}
	}
	select {
	case <-tok.Done():
	case <-sess.alive.StopChan():
		return
	}
	if err := tok.Error(); err != nil {
		c.fail(sess, errors.Annotatef(err, "connect %s", c.brokerURL()))
	}
}

func (c *Client) teardown(sess *session) {
	defer sess.alive.Done()
	if sess.m.IsConnectionOpen() {
		tok := sess.m.Unsubscribe(ReportTopic)
		if !tok.WaitTimeout(c.opt.ConnectTimeout) {
			c.log.Errorf("unsubscribe client_id=%s timeout", sess.id)
		} else if err := tok.Error(); err != nil {
			c.log.Errorf("unsubscribe client_id=%s err=%v", sess.id, err)
		}
	}
	sess.m.Disconnect(disconnectQuiet)
	c.log.Debugf("disconnected client_id=%s", sess.id)
}

func (c *Client) onConnect(sess *session, handler mqtt.MessageHandler) mqtt.OnConnectHandler {
	return func(m mqtt.Client) {
		c.log.Infof("connected client_id=%s", sess.id)
		sess.cause.Store(errorBox{})
		tok := m.Subscribe(ReportTopic, reportQos, handler)
		if !tok.WaitTimeout(c.opt.ConnectTimeout) {
			c.fail(sess, errors.Timeoutf("subscribe %s", ReportTopic))
			return
		}
		if err := tok.Error(); err != nil {
			c.fail(sess, errors.Annotatef(err, "subscribe %s", ReportTopic))
			return
		}
		c.mu.Lock()
		if c.sess == sess {
			c.state = StateConnected
		}
		c.mu.Unlock()
	}
}

func (c *Client) onConnectionLost(sess *session) mqtt.ConnectionLostHandler {
	return func(_ mqtt.Client, err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		c.fail(sess, errors.Annotate(err, "connection lost"))
	}
}

func (c *Client) onMessage(sess *session) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		now := time.Now()
		atomic.AddUint64(&c.received, 1)
		c.lastAt.SetTime(now)
		if len(c.filter.Match(msg.Topic())) == 0 {
			atomic.AddUint64(&c.unexpected, 1)
			c.log.Infof("unexpected topic=%s dropped", msg.Topic())
			return
		}
		payload := msg.Payload()
		if c.opt.Journal != nil {
			if err := c.opt.Journal.Record(msg.Topic(), payload, now); err != nil {
				c.log.Errorf("journal record err=%v", err)
			}
		}
		s, ok := status.DecodeAt(payload, now)
		if !ok {
			atomic.AddUint64(&c.rejected, 1)
			c.log.Debugf("report rejected topic=%s len=%d", msg.Topic(), len(payload))
			return
		}
		atomic.AddUint64(&c.decoded, 1)
		c.publish(sess, s)
	}
}

// fail publishes ERROR snapshot and moves lifecycle back to connecting.
func (c *Client) fail(sess *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.log.Errorf("%v", err)
	c.state = StateConnecting
	c.storeLocked(status.Failed(err))
}

func (c *Client) publish(sess *session, s status.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.storeLocked(s)
}

func (c *Client) storeLocked(s status.Snapshot) {
	prev := c.snap.Load().(versioned)
	c.snap.Store(versioned{v: prev.v + 1, s: s})
	for ch := range c.subs {
		select {
		case <-ch: // drop stale
		default:
		}
		select {
		case ch <- s.Clone():
		default:
		}
	}
}

func newClientID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is not recoverable
		panic(errors.Annotate(err, "client id"))
	}
	return ClientIDPrefix + hex.EncodeToString(b[:])
}

// SetTransportLog routes paho package level loggers into log.
// paho loggers are global, affecting all clients in process.
func SetTransportLog(log *log2.Log, debug bool) {
	mqtt.CRITICAL = log2.Printer{Log: log, Level: log2.LError, Prefix: "mqtt critical: "}
	mqtt.ERROR = log2.Printer{Log: log, Level: log2.LError, Prefix: "mqtt error: "}
	mqtt.WARN = log2.Printer{Log: log, Level: log2.LInfo, Prefix: "mqtt warn: "}
	if debug {
		mqtt.DEBUG = log2.Printer{Log: log, Level: log2.LDebug, Prefix: "mqtt debug: "}
	} else {
		mqtt.DEBUG = mqtt.NOOPLogger{}
	}
}
