//go:build !tinygo

package httpsrc

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"openenterprise/dimmer/ota"
)

// NetSource fetches images with net/http. It backs the host simulator.
type NetSource struct {
	User string
	Pass string
	// TLS is used for https URLs. Nil means system roots.
	TLS *tls.Config
}

// Open issues the GET and returns once the response head has arrived.
// Non-200 responses are returned as streams so the caller sees the code.
func (s *NetSource) Open(rawURL string, timeout time.Duration) (ota.Stream, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSClientConfig:       s.TLS,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			DisableKeepAlives:     true,
		},
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "dimmer-ota")
	req.Header.Set("Accept", "application/octet-stream")
	if s.User != "" {
		req.SetBasicAuth(s.User, s.Pass)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return &netStream{resp: resp}, nil
}

type netStream struct {
	resp *http.Response
}

func (s *netStream) Status() (int, int64) {
	return s.resp.StatusCode, s.resp.ContentLength
}

func (s *netStream) Read(p []byte) (int, error) { return s.resp.Body.Read(p) }

func (s *netStream) Close() error {
	io.Copy(io.Discard, io.LimitReader(s.resp.Body, 4096))
	return s.resp.Body.Close()
}
