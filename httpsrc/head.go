// Package httpsrc fetches firmware images over plain HTTP GET.
package httpsrc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// maxHeadSize bounds the response head read before the body.
const maxHeadSize = 2048

var (
	ErrBadURL      = errors.New("httpsrc: bad url")
	ErrBadResponse = errors.New("httpsrc: malformed response head")
	ErrHeadTooLong = errors.New("httpsrc: response head too long")
)

// Endpoint is a parsed image URL.
type Endpoint struct {
	Host string // hostname or IP literal
	Port uint16
	Path string // includes query
	TLS  bool
}

// Authority returns host[:port] as sent in the Host header.
func (e Endpoint) Authority() string {
	def := uint16(80)
	if e.TLS {
		def = 443
	}
	if e.Port == def {
		return e.Host
	}
	return e.Host + ":" + strconv.Itoa(int(e.Port))
}

// ParseURL accepts http and https URLs. Ports default by scheme.
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errors.Join(ErrBadURL, err)
	}
	var ep Endpoint
	switch u.Scheme {
	case "http":
		ep.Port = 80
	case "https":
		ep.Port = 443
		ep.TLS = true
	default:
		return Endpoint{}, ErrBadURL
	}
	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, ErrBadURL
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Endpoint{}, ErrBadURL
		}
		ep.Port = uint16(n)
	}
	ep.Path = u.EscapedPath()
	if ep.Path == "" {
		ep.Path = "/"
	}
	if u.RawQuery != "" {
		ep.Path += "?" + u.RawQuery
	}
	return ep, nil
}

// AppendRequest appends an HTTP/1.0 GET for path to dst. Basic auth is
// added when user is non-empty.
func AppendRequest(dst []byte, host, path, user, pass string) []byte {
	dst = append(dst, "GET "...)
	dst = append(dst, path...)
	dst = append(dst, " HTTP/1.0\r\nHost: "...)
	dst = append(dst, host...)
	dst = append(dst, "\r\nUser-Agent: dimmer-ota\r\nAccept: application/octet-stream\r\nConnection: close\r\n"...)
	if user != "" {
		dst = append(dst, "Authorization: Basic "...)
		dst = append(dst, base64.StdEncoding.EncodeToString([]byte(user+":"+pass))...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// ParseHead parses a response head from b. headLen is 0 if the head is not
// complete yet. contentLength is -1 when the server did not send one.
func ParseHead(b []byte) (status int, contentLength int64, headLen int, err error) {
	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end < 0 {
		if len(b) >= maxHeadSize {
			return 0, -1, 0, ErrHeadTooLong
		}
		return 0, -1, 0, nil
	}
	headLen = end + 4
	lines := strings.Split(string(b[:end]), "\r\n")

	// HTTP/1.x 200 OK
	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, -1, 0, ErrBadResponse
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err = strconv.Atoi(code)
	if err != nil || status < 100 || status > 999 {
		return 0, -1, 0, ErrBadResponse
	}

	contentLength = -1
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || n < 0 {
				return 0, -1, 0, ErrBadResponse
			}
			contentLength = n
		}
	}
	return status, contentLength, headLen, nil
}
