//go:build !tinygo

package telemetry

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"
)

// NetDialer dials the broker over TCP, or TLS when TLS is set.
type NetDialer struct {
	Addr    string // host:port
	TLS     *tls.Config
	Timeout time.Duration
}

func (d *NetDialer) Dial() (io.ReadWriteCloser, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if d.TLS != nil {
		return tls.DialWithDialer(nd, "tcp", d.Addr, d.TLS)
	}
	return nd.Dial("tcp", d.Addr)
}

// NewTLSConfig returns a client TLS config trusting only the certificates
// in caPEM. An empty caPEM means the system roots.
func NewTLSConfig(caPEM []byte, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if len(caPEM) == 0 {
		return cfg, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("mqtt: no certificates in trust anchor")
	}
	cfg.RootCAs = pool
	return cfg, nil
}
