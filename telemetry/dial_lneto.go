//go:build tinygo

package telemetry

import (
	"io"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	dialRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
)

// LnetoDialer dials the broker with a single reusable lneto TCP
// connection. There is no TLS on this transport.
type LnetoDialer struct {
	Stack   *xnet.StackAsync
	Addr    netip.AddrPort
	Timeout time.Duration

	conn lnetoConn
	rx   [tcpBufSize]byte
	tx   [tcpBufSize]byte
}

func (d *LnetoDialer) Dial() (io.ReadWriteCloser, error) {
	c := &d.conn
	c.stack, c.addr = d.Stack, d.Addr
	err := c.Configure(tcp.ConnConfig{
		RxBuf:             d.rx[:],
		TxBuf:             d.tx[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}
	lport := uint16(d.Stack.Prand32()>>17) + 1024
	rstack := d.Stack.StackRetrying(5 * time.Millisecond)
	if err := rstack.DoDialTCP(&c.Conn, lport, d.Addr, d.Timeout, dialRetries); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type lnetoConn struct {
	tcp.Conn
	stack *xnet.StackAsync
	addr  netip.AddrPort
}

func (c *lnetoConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err == nil {
		err = c.Conn.Flush()
	}
	return n, err
}

func (c *lnetoConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetDeadline(t)
}

// Close closes the connection and frees the ARP slot for the next dial.
func (c *lnetoConn) Close() error {
	c.Conn.Close()
	for i := 0; i < 50 && !c.Conn.State().IsClosed(); i++ {
		time.Sleep(20 * time.Millisecond)
	}
	c.Conn.Abort()
	c.stack.DiscardResolveHardwareAddress6(c.addr.Addr())
	return nil
}
