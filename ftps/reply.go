package ftps

import (
	stderrors "errors"
	"fmt"
	"net/textproto"

	"github.com/juju/errors"
)

// ReplyError is negative or unexpected server reply.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("ftp reply %d: %s", e.Code, e.Message)
}

var ErrNotStarted = errors.New("ftps client is not started")

// IsReply reports whether err is ReplyError with given code.
func IsReply(err error, code int) bool {
	if re, ok := errors.Cause(err).(*ReplyError); ok {
		return re.Code == code
	}
	return false
}

// replyError finds server reply in ftp errors, which may be joined.
func replyError(err error) error {
	var te *textproto.Error
	if stderrors.As(err, &te) {
		return &ReplyError{Code: te.Code, Message: te.Msg}
	}
	return err
}
