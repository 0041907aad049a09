package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// timeoutReader returns empty reads between chunks, like a serial port
// with a read timeout.
type timeoutReader struct {
	chunks []string
	empty  int
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	if r.empty > 0 {
		r.empty--
		return 0, nil
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	r.empty = 150
	return n, nil
}

func TestMonitor(t *testing.T) {
	r := &timeoutReader{chunks: []string{
		"time=1 level=INFO msg=boot\r\n",
		"time=2 level=INFO msg=ota:conn",
		"ecting url=http://x\r\n",
		"time=3 level=WARN msg=ota:rebooting\n",
	}}
	var out bytes.Buffer
	if err := monitor(r, &out, ""); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 3 {
		t.Errorf("lines = %d, want 3:\n%s", n, out.String())
	}
	if strings.Contains(out.String(), "\r") {
		t.Error("carriage returns not stripped")
	}
}

func TestMonitorMatch(t *testing.T) {
	r := strings.NewReader("msg=boot\nmsg=ota:connecting\nmsg=light\nmsg=ota:success\n")
	var out bytes.Buffer
	monitor(r, &out, "ota:")
	if want := "msg=ota:connecting\nmsg=ota:success\n"; out.String() != want {
		t.Errorf("out = %q, want %q", out.String(), want)
	}
}

func TestPickPort(t *testing.T) {
	tests := []struct {
		ports []string
		want  string
		err   error
	}{
		{[]string{"/dev/ttyS0", "/dev/ttyACM0"}, "/dev/ttyACM0", nil},
		{[]string{"/dev/cu.Bluetooth", "/dev/cu.usbmodem1101"}, "/dev/cu.usbmodem1101", nil},
		{[]string{"/dev/ttyS0"}, "", errNoPort},
		{nil, "", errNoPort},
	}
	for _, tc := range tests {
		got, err := pickPort(tc.ports)
		if got != tc.want || !errors.Is(err, tc.err) {
			t.Errorf("pickPort(%v) = %q, %v, want %q, %v", tc.ports, got, err, tc.want, tc.err)
		}
	}
}
