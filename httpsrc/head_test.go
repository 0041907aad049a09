package httpsrc

import (
	"errors"
	"strings"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    Endpoint
		wantErr bool
	}{
		{raw: "http://192.168.1.10:8080/firmware/dimmer.bin", want: Endpoint{Host: "192.168.1.10", Port: 8080, Path: "/firmware/dimmer.bin"}},
		{raw: "http://10.0.0.2/fw.bin?v=2", want: Endpoint{Host: "10.0.0.2", Port: 80, Path: "/fw.bin?v=2"}},
		{raw: "https://updates.local/fw.bin", want: Endpoint{Host: "updates.local", Port: 443, Path: "/fw.bin", TLS: true}},
		{raw: "http://10.0.0.2", want: Endpoint{Host: "10.0.0.2", Port: 80, Path: "/"}},
		{raw: "ftp://10.0.0.2/fw.bin", wantErr: true},
		{raw: "http:///fw.bin", wantErr: true},
		{raw: "http://10.0.0.2:0/fw.bin", wantErr: true},
		{raw: "http://10.0.0.2:99999/fw.bin", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseURL(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrBadURL) {
					t.Errorf("err = %v, want %v", err, ErrBadURL)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("ParseURL = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestAuthority(t *testing.T) {
	if got := (Endpoint{Host: "a", Port: 80}).Authority(); got != "a" {
		t.Errorf("Authority = %q, want a", got)
	}
	if got := (Endpoint{Host: "a", Port: 8080}).Authority(); got != "a:8080" {
		t.Errorf("Authority = %q, want a:8080", got)
	}
	if got := (Endpoint{Host: "a", Port: 443, TLS: true}).Authority(); got != "a" {
		t.Errorf("Authority = %q, want a", got)
	}
}

func TestAppendRequest(t *testing.T) {
	req := string(AppendRequest(nil, "10.0.0.2:8080", "/fw.bin", "", ""))
	if !strings.HasPrefix(req, "GET /fw.bin HTTP/1.0\r\nHost: 10.0.0.2:8080\r\n") {
		t.Errorf("request line = %q", req)
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Error("request not terminated by blank line")
	}
	if strings.Contains(req, "Authorization") {
		t.Error("auth header without credentials")
	}

	req = string(AppendRequest(nil, "h", "/", "admin", "secret"))
	// base64("admin:secret")
	if !strings.Contains(req, "Authorization: Basic YWRtaW46c2VjcmV0\r\n") {
		t.Errorf("missing basic auth: %q", req)
	}
}

func TestParseHead(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantStatus int
		wantLen    int64
		wantHead   int
		wantErr    error
	}{
		{
			name:       "ok with length",
			in:         "HTTP/1.1 200 OK\r\nContent-Length: 10240\r\n\r\nBODY",
			wantStatus: 200,
			wantLen:    10240,
			wantHead:   42,
		},
		{
			name:       "no length",
			in:         "HTTP/1.0 200 OK\r\nServer: x\r\n\r\n",
			wantStatus: 200,
			wantLen:    -1,
			wantHead:   30,
		},
		{
			name:       "not found",
			in:         "HTTP/1.1 404 Not Found\r\ncontent-length: 9\r\n\r\nnot found",
			wantStatus: 404,
			wantLen:    9,
			wantHead:   45,
		},
		{name: "incomplete", in: "HTTP/1.1 200 OK\r\nContent-Le", wantLen: -1},
		{name: "garbage", in: "SSH-2.0-OpenSSH\r\n\r\n", wantLen: -1, wantErr: ErrBadResponse},
		{name: "bad code", in: "HTTP/1.1 abc OK\r\n\r\n", wantLen: -1, wantErr: ErrBadResponse},
		{name: "bad length", in: "HTTP/1.1 200 OK\r\nContent-Length: -4\r\n\r\n", wantLen: -1, wantErr: ErrBadResponse},
		{name: "too long", in: "HTTP/1.1 200 OK\r\n" + strings.Repeat("X: y\r\n", 400), wantLen: -1, wantErr: ErrHeadTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, length, head, err := ParseHead([]byte(tc.in))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
			if length != tc.wantLen {
				t.Errorf("length = %d, want %d", length, tc.wantLen)
			}
			if head != tc.wantHead {
				t.Errorf("headLen = %d, want %d", head, tc.wantHead)
			}
		})
	}
}
