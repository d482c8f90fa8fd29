package telemetry

import (
	"sync"
	"time"

	"github.com/256dpi/gomqtt/topic"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory mqtt.Client for Options.NewClient.
// Callbacks run synchronously in caller goroutine.
type MqttMock struct {
	// ConnectErr completes Connect token with error.
	ConnectErr error
	// ConnectHang never completes Connect token.
	ConnectHang  bool
	SubscribeErr error

	mu           sync.Mutex
	opt          *mqtt.ClientOptions
	news         int
	connected    bool
	subs         *topic.Tree // *mockSub
	unsubscribed []string
	disconnected chan struct{}
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		subs:         topic.NewStandardTree(),
		disconnected: make(chan struct{}),
	}
}

// MockNew fits Options.NewClient.
func (m *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opt = opt
	m.news++
	m.disconnected = make(chan struct{})
	return m
}

func (m *MqttMock) Options() *mqtt.ClientOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opt
}

// News counts MockNew calls.
func (m *MqttMock) News() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.news
}

func (m *MqttMock) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

// Disconnected is closed by Disconnect of the latest MockNew client.
func (m *MqttMock) Disconnected() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// Deliver routes message to matching subscription handler
// or default publish handler, the way broker and paho router do.
func (m *MqttMock) Deliver(topicName string, payload []byte) {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	if hs := m.subs.Match(topicName); len(hs) != 0 {
		handler = hs[0].(*mockSub).handler
	} else if m.opt != nil {
		handler = m.opt.DefaultPublishHandler
	}
	m.mu.Unlock()
	if handler != nil {
		handler(m, MockMsg{T: topicName, P: payload})
	}
}

// Lose simulates broken connection.
func (m *MqttMock) Lose(err error) {
	m.mu.Lock()
	m.connected = false
	opt := m.opt
	m.mu.Unlock()
	if opt != nil && opt.OnConnectionLost != nil {
		opt.OnConnectionLost(m, err)
	}
}

func (m *MqttMock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *MqttMock) IsConnectionOpen() bool { return m.IsConnected() }

func (m *MqttMock) Connect() mqtt.Token {
	if m.ConnectHang {
		return newMockToken()
	}
	if m.ConnectErr != nil {
		return doneToken(m.ConnectErr)
	}
	m.mu.Lock()
	m.connected = true
	opt := m.opt
	m.mu.Unlock()
	if opt != nil && opt.OnConnect != nil {
		opt.OnConnect(m)
	}
	return doneToken(nil)
}

func (m *MqttMock) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	select {
	case <-m.disconnected:
	default:
		close(m.disconnected)
	}
}

func (m *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	return doneToken(nil)
}

func (m *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	if m.SubscribeErr != nil {
		return doneToken(m.SubscribeErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if handler == nil && m.opt != nil {
		handler = m.opt.DefaultPublishHandler
	}
	m.subs.Set(pattern, &mockSub{handler})
	return doneToken(nil)
}

func (m *MqttMock) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		m.subs.Empty(t)
		m.unsubscribed = append(m.unsubscribed, t)
	}
	return doneToken(nil)
}

func (m *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (m *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (m *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

type mockSub struct{ handler mqtt.MessageHandler }

type mockToken struct {
	err  error
	done chan struct{}
}

func newMockToken() *mockToken { return &mockToken{done: make(chan struct{})} }
func doneToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *mockToken) Wait() bool {
	<-t.done
	return true
}
func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *mockToken) Done() <-chan struct{} { return t.done }
func (t *mockToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return errors.Timeoutf("token")
	}
}

type MockMsg struct {
	T string
	P []byte
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return 0 }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
