package httpsrc

import (
	"errors"
	"io"
	"net"
	"time"

	"openenterprise/dimmer/ota"
)

const pollDelay = 5 * time.Millisecond

// readBody polls next until it yields body bytes, reports the peer closed,
// or timeout passes without data. Only the peer closing ends the body; a
// Content-Length in the head does not.
func readBody(p []byte, timeout time.Duration, next func([]byte) (n int, closed bool)) (int, error) {
	idle := time.Now().Add(timeout)
	for {
		n, closed := next(p)
		if n > 0 {
			return n, nil
		}
		if closed {
			return 0, io.EOF
		}
		if time.Now().After(idle) {
			return 0, ota.ErrStalled
		}
		time.Sleep(pollDelay)
	}
}

func peerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
