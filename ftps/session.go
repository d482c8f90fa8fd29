package ftps

import (
	"crypto/tls"
	"net"
	"sync"
)

// sessionCapture is installed as ClientSessionCache of control connection.
// It keeps the first session negotiated there. Data connections must resume
// exactly that session or printer refuses the transfer.
type sessionCapture struct {
	mu      sync.Mutex
	session *tls.ClientSessionState
}

var _ tls.ClientSessionCache = &sessionCapture{}

// Get never offers anything: control connection always does full handshake.
func (sc *sessionCapture) Get(string) (*tls.ClientSessionState, bool) { return nil, false }

func (sc *sessionCapture) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		return
	}
	sc.mu.Lock()
	if sc.session == nil {
		sc.session = cs
	}
	sc.mu.Unlock()
}

func (sc *sessionCapture) Session() *tls.ClientSessionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.session
}

// resumeOnly offers one fixed session and ignores new ones,
// so data connections never replace the captured control session.
type resumeOnly struct{ session *tls.ClientSessionState }

func (r resumeOnly) Get(string) (*tls.ClientSessionState, bool) {
	return r.session, r.session != nil
}
func (resumeOnly) Put(string, *tls.ClientSessionState) {}

// prepareDataConn wraps raw data socket in TLS client which resumes
// captured control session. Handshake is left to caller.
func prepareDataConn(raw net.Conn, config *tls.Config, capture *sessionCapture) *tls.Conn {
	c := config.Clone()
	c.ClientSessionCache = resumeOnly{session: capture.Session()}
	return tls.Client(raw, c)
}
