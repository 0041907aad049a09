//go:build tinygo

package httpsrc

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/dimmer/ota"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	dialRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
)

var errNeedIP = errors.New("httpsrc: host must be an IP literal")

// Source fetches images over a single lneto TCP connection. It supports
// one open stream at a time, matching the single update slot.
type Source struct {
	Stack  *xnet.StackAsync
	User   string
	Pass   string
	Logger *slog.Logger

	conn tcp.Conn
	rx   [tcpBufSize]byte
	tx   [tcpBufSize]byte
	head [maxHeadSize]byte
}

// Open dials the URL's host, sends the GET and reads the response head.
func (s *Source) Open(rawURL string, timeout time.Duration) (ota.Stream, error) {
	ep, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ep.TLS {
		return nil, errors.New("httpsrc: https not supported on device")
	}
	ip, err := netip.ParseAddr(ep.Host)
	if err != nil {
		return nil, errNeedIP
	}
	addr := netip.AddrPortFrom(ip, ep.Port)

	err = s.conn.Configure(tcp.ConnConfig{
		RxBuf:             s.rx[:],
		TxBuf:             s.tx[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}
	lport := uint16(s.Stack.Prand32()>>17) + 1024
	s.logger().Info("http:dialing", slog.String("addr", addr.String()), slog.Uint64("localport", uint64(lport)))
	rstack := s.Stack.StackRetrying(pollDelay)
	if err := rstack.DoDialTCP(&s.conn, lport, addr, timeout, dialRetries); err != nil {
		s.close(addr)
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	s.conn.SetDeadline(deadline)
	req := AppendRequest(s.head[:0], ep.Authority(), ep.Path, s.User, s.Pass)
	if _, err := s.conn.Write(req); err != nil {
		s.close(addr)
		return nil, err
	}
	if err := s.conn.Flush(); err != nil {
		s.close(addr)
		return nil, err
	}

	st := &stream{src: s, addr: addr, timeout: timeout}
	n := 0
	for {
		if time.Now().After(deadline) {
			s.close(addr)
			return nil, ota.ErrStalled
		}
		m, err := s.conn.Read(s.head[n:])
		n += m
		code, length, headLen, perr := ParseHead(s.head[:n])
		if perr != nil {
			s.close(addr)
			return nil, perr
		}
		if headLen > 0 {
			st.code, st.length = code, length
			st.pending = s.head[headLen:n]
			break
		}
		if peerClosed(err) || s.conn.State().IsClosed() {
			s.close(addr)
			return nil, io.ErrUnexpectedEOF
		}
		if m == 0 {
			time.Sleep(pollDelay)
		}
	}
	s.logger().Info("http:response", slog.Int("status", st.code), slog.Int64("length", st.length))
	return st, nil
}

func (s *Source) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// close shuts the connection and frees the ARP slot for the next dial.
func (s *Source) close(addr netip.AddrPort) {
	s.conn.Close()
	for i := 0; i < 50 && !s.conn.State().IsClosed(); i++ {
		time.Sleep(20 * time.Millisecond)
	}
	s.conn.Abort()
	s.Stack.DiscardResolveHardwareAddress6(addr.Addr())
}

type stream struct {
	src     *Source
	addr    netip.AddrPort
	timeout time.Duration
	code    int
	length  int64
	pending []byte // body bytes read along with the head
	closed  bool
}

func (st *stream) Status() (int, int64) { return st.code, st.length }

// Read blocks until body data arrives, the peer closes, or the idle
// timeout passes.
func (st *stream) Read(p []byte) (int, error) {
	if st.closed {
		return 0, io.ErrClosedPipe
	}
	if len(st.pending) > 0 {
		n := copy(p, st.pending)
		st.pending = st.pending[n:]
		return n, nil
	}
	conn := &st.src.conn
	return readBody(p, st.timeout, func(p []byte) (int, bool) {
		conn.SetDeadline(time.Now().Add(st.timeout))
		n, err := conn.Read(p)
		// RxDataOpen turns false once the server has sent FIN.
		state := conn.State()
		return n, peerClosed(err) || state.IsClosed() || state.IsClosing() || !state.RxDataOpen()
	})
}

func (st *stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.src.close(st.addr)
	return nil
}
