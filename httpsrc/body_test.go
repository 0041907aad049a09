package httpsrc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"openenterprise/dimmer/ota"
)

// segments replays TCP reads. An empty step is a poll with no data yet.
type segments struct {
	steps  [][]byte
	closed bool // peer closes once steps run out
}

func (s *segments) next(p []byte) (int, bool) {
	if len(s.steps) == 0 {
		return 0, s.closed
	}
	step := s.steps[0]
	n := copy(p, step)
	if n < len(step) {
		s.steps[0] = step[n:]
	} else {
		s.steps = s.steps[1:]
	}
	return n, false
}

type segmentReader struct {
	seg     *segments
	timeout time.Duration
}

func (r segmentReader) Read(p []byte) (int, error) {
	return readBody(p, r.timeout, r.seg.next)
}

func TestReadBody(t *testing.T) {
	half := bytes.Repeat([]byte{0x5A}, 1024)
	tests := []struct {
		name    string
		seg     segments
		want    int
		wantErr error
	}{
		// The head advertised 1024 bytes; the peer sends 2048 then closes.
		{name: "beyond content length", seg: segments{steps: [][]byte{half, half}, closed: true}, want: 2048},
		{name: "short body", seg: segments{steps: [][]byte{half[:512]}, closed: true}, want: 512},
		{name: "gaps between segments", seg: segments{steps: [][]byte{{}, {}, half[:100], {}, half[:100]}, closed: true}, want: 200},
		{name: "empty body", seg: segments{closed: true}, want: 0},
		{name: "stall", seg: segments{steps: [][]byte{half[:100]}}, want: 100, wantErr: ota.ErrStalled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seg := tc.seg
			got, err := io.ReadAll(segmentReader{seg: &seg, timeout: 30 * time.Millisecond})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if len(got) != tc.want {
				t.Errorf("read %d bytes, want %d", len(got), tc.want)
			}
		})
	}
}

func TestPeerClosed(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{net.ErrClosed, true},
		{fmt.Errorf("tcp: %w", io.EOF), true},
		{os.ErrDeadlineExceeded, false},
		{io.ErrUnexpectedEOF, false},
	}
	for _, tc := range tests {
		if got := peerClosed(tc.err); got != tc.want {
			t.Errorf("peerClosed(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
