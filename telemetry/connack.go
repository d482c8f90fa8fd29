package telemetry

import (
	"fmt"
	"net"

	"github.com/256dpi/gomqtt/packet"
)

const connackLen = 4

// connackConn watches the first packet from broker.
// Refused CONNACK is reported with its return code, paho only retries.
// Reads come from one goroutine at a time: connect, then paho reader.
type connackConn struct {
	net.Conn
	refused func(packet.ConnackCode)
	head    []byte
	done    bool
}

func (cc *connackConn) Read(b []byte) (int, error) {
	n, err := cc.Conn.Read(b)
	if !cc.done && n > 0 {
		need := connackLen - len(cc.head)
		if need > n {
			need = n
		}
		cc.head = append(cc.head, b[:need]...)
		if len(cc.head) == connackLen {
			cc.done = true
			cc.inspect()
		}
	}
	return n, err
}

func (cc *connackConn) inspect() {
	ca := packet.NewConnack()
	if _, err := ca.Decode(cc.head); err != nil {
		return
	}
	if ca.ReturnCode != packet.ConnectionAccepted {
		cc.refused(ca.ReturnCode)
	}
}

func connackText(code packet.ConnackCode) string {
	switch code {
	case packet.InvalidProtocolVersion:
		return "unacceptable protocol version"
	case packet.IdentifierRejected:
		return "identifier rejected"
	case packet.ServerUnavailable:
		return "server unavailable"
	case packet.BadUsernameOrPassword:
		return "bad user name or password, check access code"
	case packet.NotAuthorized:
		return "not authorized, check access code"
	}
	return fmt.Sprintf("return code %d", code)
}
