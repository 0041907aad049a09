package ota

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// read is one scripted Stream.Read result.
type read struct {
	data []byte
	err  error
}

type fakeStream struct {
	code   int
	length int64
	reads  []read
	gate   chan struct{} // if non-nil, each Read waits on it
	closed int
}

func (s *fakeStream) Status() (int, int64) { return s.code, s.length }

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.gate != nil {
		<-s.gate
	}
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	r := &s.reads[0]
	n := copy(p, r.data)
	r.data = r.data[n:]
	if len(r.data) > 0 {
		return n, nil
	}
	err := r.err
	s.reads = s.reads[1:]
	return n, err
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	opens   int
}

func (s *fakeSource) Open(url string, timeout time.Duration) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.err != nil {
		return nil, s.err
	}
	st := s.streams[0]
	if len(s.streams) > 1 {
		s.streams = s.streams[1:]
	}
	return st, nil
}

// countingTarget records BeginSlot calls and wraps Flash slots.
type countingTarget struct {
	*Flash
	begins      atomic.Int32
	maxOpen     atomic.Int32
	finalizeErr error

	mu       sync.Mutex
	appended bytes.Buffer
}

func (t *countingTarget) BeginSlot() (Slot, error) {
	t.begins.Add(1)
	s, err := t.Flash.BeginSlot()
	if err != nil {
		return nil, err
	}
	if n := int32(t.Flash.OpenSlots()); n > t.maxOpen.Load() {
		t.maxOpen.Store(n)
	}
	return &recordingSlot{Slot: s, t: t}, nil
}

type recordingSlot struct {
	Slot
	t         *countingTarget
	finalized bool
	aborts    int
}

func (s *recordingSlot) Append(b []byte) error {
	if err := s.Slot.Append(b); err != nil {
		return err
	}
	s.t.mu.Lock()
	s.t.appended.Write(b)
	s.t.mu.Unlock()
	return nil
}

func (s *recordingSlot) Finalize() error {
	if s.t.finalizeErr != nil {
		return s.t.finalizeErr
	}
	if err := s.Slot.Finalize(); err != nil {
		return err
	}
	s.finalized = true
	return nil
}

func (s *recordingSlot) Abort() error {
	s.aborts++
	return s.Slot.Abort()
}

type fakeRestarter struct {
	n atomic.Int32
}

func (r *fakeRestarter) Restart() { r.n.Add(1) }

func newTestController(src Source, dev *memDevice) (*Controller, *countingTarget, *fakeRestarter, *[]time.Duration) {
	tgt := &countingTarget{Flash: NewFlash(dev)}
	r := &fakeRestarter{}
	c := NewController(src, tgt, r, nil, Config{})
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, tgt, r, &slept
}

func chunks(data []byte, size int) []read {
	var out []read
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, read{data: data[:n]})
		data = data[n:]
	}
	return out
}

func TestControllerSuccess(t *testing.T) {
	image := make([]byte, 10240)
	rand.New(rand.NewSource(1)).Read(image)
	stream := &fakeStream{code: 200, length: int64(len(image)), reads: chunks(image, 1024)}
	dev := newMemDevice(64 * 1024)
	c, tgt, r, slept := newTestController(&fakeSource{streams: []*fakeStream{stream}}, dev)

	var hooked bool
	c.BeforeRestart(func() {
		hooked = true
		if r.n.Load() != 0 {
			t.Error("restart before flush hook")
		}
	})

	s := c.Run("http://10.0.0.1/fw.bin")

	if s.State != Success {
		t.Fatalf("state = %v, want success (err %v)", s.State, s.Err)
	}
	if s.BytesWritten != 10240 {
		t.Errorf("BytesWritten = %d, want 10240", s.BytesWritten)
	}
	if s.Digest != sha256.Sum256(image) {
		t.Errorf("digest mismatch")
	}
	if !dev.bootSet || dev.boot != PartitionB {
		t.Errorf("boot target not switched to B")
	}
	if got := r.n.Load(); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultGrace {
		t.Errorf("slept = %v, want [%v]", *slept, DefaultGrace)
	}
	if !hooked {
		t.Error("BeforeRestart hook not run")
	}
	if stream.closed != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closed)
	}
	if !bytes.Equal(tgt.appended.Bytes(), image) {
		t.Error("appended bytes differ from source")
	}
	if tgt.OpenSlots() != 0 {
		t.Error("slot left open after success")
	}
}

func TestControllerRandomChunksRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		image := make([]byte, 1+rng.Intn(20000))
		rng.Read(image)
		var reads []read
		for rest := image; len(rest) > 0; {
			n := min(1+rng.Intn(3000), len(rest))
			reads = append(reads, read{data: rest[:n]})
			rest = rest[n:]
		}
		stream := &fakeStream{code: 200, length: -1, reads: reads}
		dev := newMemDevice(64 * 1024)
		c, tgt, _, _ := newTestController(&fakeSource{streams: []*fakeStream{stream}}, dev)

		s := c.Run("http://10.0.0.1/fw.bin")
		if s.State != Success {
			t.Fatalf("run %d: state = %v (err %v)", i, s.State, s.Err)
		}
		if !bytes.Equal(tgt.appended.Bytes(), image) {
			t.Fatalf("run %d: appended bytes differ from source", i)
		}
		if !bytes.Equal(dev.parts[PartitionB][:len(image)], image) {
			t.Fatalf("run %d: flash differs from source", i)
		}
	}
}

func TestControllerFailures(t *testing.T) {
	errReset := errors.New("connection reset")
	tests := []struct {
		name       string
		source     *fakeSource
		finalize   error
		bootErr    error
		wantKind   Kind
		wantBegins int32
		wantStatus int
	}{
		{
			name:     "connect error",
			source:   &fakeSource{err: errors.New("dial timeout")},
			wantKind: KindConnect,
		},
		{
			name:       "rejected status",
			source:     &fakeSource{streams: []*fakeStream{{code: 404, length: -1}}},
			wantKind:   KindRejected,
			wantStatus: 404,
		},
		{
			name: "stream error after 512 bytes",
			source: &fakeSource{streams: []*fakeStream{{code: 200, length: 2048, reads: []read{
				{data: make([]byte, 512)},
				{err: errReset},
			}}}},
			wantKind:   KindStream,
			wantBegins: 1,
		},
		{
			name:       "empty image",
			source:     &fakeSource{streams: []*fakeStream{{code: 200, length: 0}}},
			wantKind:   KindEmptyImage,
			wantBegins: 1,
		},
		{
			name: "finalize error",
			source: &fakeSource{streams: []*fakeStream{{code: 200, length: -1, reads: []read{
				{data: []byte("image")},
			}}}},
			finalize:   errors.New("commit failed"),
			wantKind:   KindFinalize,
			wantBegins: 1,
		},
		{
			name: "boot switch error",
			source: &fakeSource{streams: []*fakeStream{{code: 200, length: -1, reads: []read{
				{data: []byte("image")},
			}}}},
			bootErr:    ErrNoImage,
			wantKind:   KindBootSwitch,
			wantBegins: 1,
		},
		{
			name: "write error",
			source: &fakeSource{streams: []*fakeStream{{code: 200, length: -1, reads: []read{
				{data: make([]byte, 9000)},
			}}}},
			wantKind:   KindWrite,
			wantBegins: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newMemDevice(8192)
			dev.failBoot = tc.bootErr
			c, tgt, r, _ := newTestController(tc.source, dev)
			tgt.finalizeErr = tc.finalize

			var notified []Session
			c.Notify(func(s Session) { notified = append(notified, s) })

			s := c.Run("http://10.0.0.1/fw.bin")
			if s.State != Failed {
				t.Fatalf("state = %v, want failed", s.State)
			}
			if k := KindOf(s.Err); k != tc.wantKind {
				t.Errorf("kind = %v, want %v (err %v)", k, tc.wantKind, s.Err)
			}
			if got := tgt.begins.Load(); got != tc.wantBegins {
				t.Errorf("BeginSlot calls = %d, want %d", got, tc.wantBegins)
			}
			if tc.wantStatus != 0 {
				var e *Error
				if !errors.As(s.Err, &e) || e.StatusCode != tc.wantStatus {
					t.Errorf("status code = %v, want %d", s.Err, tc.wantStatus)
				}
			}
			if tgt.OpenSlots() != 0 {
				t.Error("slot left open after failure")
			}
			if dev.bootSet && tc.wantKind != KindBootSwitch {
				t.Error("boot target switched on failure")
			}
			if r.n.Load() != 0 {
				t.Error("restart scheduled on failure")
			}
			if len(notified) != 1 || notified[0].State != Failed {
				t.Errorf("notified = %v, want one failed session", notified)
			}
			for _, st := range tc.source.streams {
				if tc.source.opens > 0 && st.closed != 1 {
					t.Errorf("stream closed %d times, want 1", st.closed)
				}
			}
		})
	}
}

func TestControllerStreamErrorAbortsSlot(t *testing.T) {
	stream := &fakeStream{code: 200, length: -1, reads: []read{
		{data: make([]byte, 512)},
		{err: errors.New("read failed")},
	}}
	dev := newMemDevice(16 * 1024)
	tgt := &countingTarget{Flash: NewFlash(dev)}
	var slot *recordingSlot
	wrapped := targetFunc(func() (Slot, error) {
		s, err := tgt.BeginSlot()
		if err == nil {
			slot = s.(*recordingSlot)
		}
		return s, err
	})
	c := NewController(&fakeSource{streams: []*fakeStream{stream}}, wrapped, &fakeRestarter{}, nil, Config{})

	s := c.Run("http://10.0.0.1/fw.bin")
	if KindOf(s.Err) != KindStream {
		t.Fatalf("kind = %v, want stream", KindOf(s.Err))
	}
	if s.BytesWritten != 512 {
		t.Errorf("BytesWritten = %d, want 512", s.BytesWritten)
	}
	if slot == nil || slot.aborts != 1 {
		t.Errorf("slot aborts = %v, want 1", slot)
	}
	if dev.bootSet {
		t.Error("boot switched after stream error")
	}
}

type targetFunc func() (Slot, error)

func (f targetFunc) BeginSlot() (Slot, error) { return f() }

func TestControllerRejectedNeverBeginsSlot(t *testing.T) {
	for _, code := range []int{201, 204, 301, 403, 500} {
		dev := newMemDevice(8192)
		c, tgt, _, _ := newTestController(&fakeSource{streams: []*fakeStream{{code: code}}}, dev)
		s := c.Run("http://10.0.0.1/fw.bin")
		if s.State != Failed || KindOf(s.Err) != KindRejected {
			t.Errorf("status %d: state %v kind %v, want failed/rejected", code, s.State, KindOf(s.Err))
		}
		if n := tgt.begins.Load(); n != 0 {
			t.Errorf("status %d: BeginSlot called %d times", code, n)
		}
	}
}

func TestControllerConcurrentTriggers(t *testing.T) {
	gate := make(chan struct{})
	stream := &fakeStream{code: 200, length: -1, reads: chunks(make([]byte, 4096), 1024), gate: gate}
	dev := newMemDevice(64 * 1024)
	c, tgt, r, _ := newTestController(&fakeSource{streams: []*fakeStream{stream}}, dev)
	var graceAborted atomic.Int32
	c.sleep = func(time.Duration) {
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Start("http://10.0.0.1/fw.bin") {
					t.Error("Start accepted before restart")
				}
				if s := c.Run("http://10.0.0.1/fw.bin"); s.State == Aborted && errors.Is(s.Err, ErrBusy) {
					graceAborted.Add(1)
				}
			}()
		}
		wg.Wait()
	}
	var notifiedAborted atomic.Int32
	c.Notify(func(s Session) {
		if s.State == Aborted {
			notifiedAborted.Add(1)
		}
	})

	if !c.Start("http://10.0.0.1/fw.bin") {
		t.Fatal("first Start refused")
	}
	var wg sync.WaitGroup
	var aborted atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Start("http://10.0.0.1/fw.bin") {
				t.Error("concurrent Start accepted")
			}
			if s := c.Run("http://10.0.0.1/fw.bin"); s.State == Aborted && errors.Is(s.Err, ErrBusy) {
				aborted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := aborted.Load(); got != 8 {
		t.Errorf("aborted sessions = %d, want 8", got)
	}
	if got := notifiedAborted.Load(); got != 16 {
		t.Errorf("aborted notifications = %d, want 16", got)
	}
	if got := tgt.maxOpen.Load(); got > 1 {
		t.Errorf("max open slots = %d, want <= 1", got)
	}
	close(gate)

	deadline := time.Now().Add(5 * time.Second)
	for c.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s := c.Status(); s.State != Success {
		t.Errorf("live session state = %v, want success", s.State)
	}
	if n := tgt.begins.Load(); n != 1 {
		t.Errorf("BeginSlot calls = %d, want 1", n)
	}
	if got := graceAborted.Load(); got != 4 {
		t.Errorf("aborted during restart delay = %d, want 4", got)
	}
	if got := notifiedAborted.Load(); got != 24 {
		t.Errorf("aborted notifications = %d, want 24", got)
	}
	if got := r.n.Load(); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
}

func TestControllerTriggerDuringRestartDelay(t *testing.T) {
	image := make([]byte, 4096)
	rand.New(rand.NewSource(7)).Read(image)
	first := &fakeStream{code: 200, length: int64(len(image)), reads: chunks(image, 1024)}
	second := &fakeStream{code: 200, length: -1, reads: []read{
		{data: bytes.Repeat([]byte{0xFF}, 512)},
		{err: errors.New("connection reset")},
	}}
	src := &fakeSource{streams: []*fakeStream{first, second}}
	dev := newMemDevice(64 * 1024)
	c, tgt, r, _ := newTestController(src, dev)

	var (
		inGrace  Session
		accepted bool
		busy     bool
		hookRun  Session
	)
	c.BeforeRestart(func() { hookRun = c.Run("http://10.0.0.1/fw.bin") })
	c.sleep = func(time.Duration) {
		inGrace = c.Run("http://10.0.0.1/fw.bin")
		accepted = c.Start("http://10.0.0.1/fw.bin")
		busy = c.Busy()
	}

	s := c.Run("http://10.0.0.1/fw.bin")
	if s.State != Success {
		t.Fatalf("state = %v, want success (err %v)", s.State, s.Err)
	}
	for name, got := range map[string]Session{"restart hook": hookRun, "restart delay": inGrace} {
		if got.State != Aborted || !errors.Is(got.Err, ErrBusy) {
			t.Errorf("%s: state %v err %v, want aborted/busy", name, got.State, got.Err)
		}
	}
	if accepted {
		t.Error("Start accepted during restart delay")
	}
	if !busy {
		t.Error("controller idle during restart delay")
	}
	if src.opens != 1 {
		t.Errorf("source opened %d times, want 1", src.opens)
	}
	if n := tgt.begins.Load(); n != 1 {
		t.Errorf("BeginSlot calls = %d, want 1", n)
	}
	if got := r.n.Load(); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
	if !dev.bootSet || dev.boot != PartitionB {
		t.Errorf("boot target = %v, want B", dev.boot)
	}
	if !bytes.Equal(dev.parts[PartitionB][:len(image)], image) {
		t.Error("boot partition no longer holds the flashed image")
	}
	if st := c.Status(); st.State != Success || st.ID != s.ID {
		t.Errorf("Status = %v #%d, want success #%d", st.State, st.ID, s.ID)
	}
	if c.Busy() {
		t.Error("controller busy after restart returned")
	}
}

func TestControllersShareFlash(t *testing.T) {
	gate := make(chan struct{})
	dev := newMemDevice(64 * 1024)
	flash := NewFlash(dev)
	slow := &fakeStream{code: 200, length: -1, reads: chunks(make([]byte, 2048), 1024), gate: gate}
	fast := &fakeStream{code: 200, length: -1, reads: chunks(make([]byte, 2048), 1024)}

	c1 := NewController(&fakeSource{streams: []*fakeStream{slow}}, flash, &fakeRestarter{}, nil, Config{})
	c1.sleep = func(time.Duration) {}
	c2 := NewController(&fakeSource{streams: []*fakeStream{fast}}, flash, &fakeRestarter{}, nil, Config{})
	c2.sleep = func(time.Duration) {}

	c1.Start("http://10.0.0.1/a.bin")
	for flash.OpenSlots() == 0 {
		time.Sleep(time.Millisecond)
	}
	s := c2.Run("http://10.0.0.1/b.bin")
	if KindOf(s.Err) != KindNoSlot {
		t.Errorf("second controller kind = %v, want no_slot", KindOf(s.Err))
	}
	if fast.closed != 1 {
		t.Errorf("rejected stream closed %d times, want 1", fast.closed)
	}
	close(gate)
	for c1.Busy() {
		time.Sleep(time.Millisecond)
	}
	if s := c1.Status(); s.State != Success {
		t.Errorf("first controller state = %v, want success (err %v)", s.State, s.Err)
	}
}

func TestControllerStalledStream(t *testing.T) {
	reads := make([]read, maxEmptyReads+1)
	for i := range reads {
		reads[i] = read{data: nil}
	}
	stream := &fakeStream{code: 200, length: -1, reads: reads}
	c, _, _, _ := newTestController(&fakeSource{streams: []*fakeStream{stream}}, newMemDevice(8192))
	s := c.Run("http://10.0.0.1/fw.bin")
	if !errors.Is(s.Err, ErrStalled) || KindOf(s.Err) != KindStream {
		t.Errorf("err = %v, want stalled stream", s.Err)
	}
}

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		s    State
		want bool
	}{
		{Idle, false},
		{Connecting, false},
		{StatusChecked, false},
		{Transferring, false},
		{Finalizing, false},
		{Success, true},
		{Failed, true},
		{Aborted, true},
	}
	for _, tc := range tests {
		if got := tc.s.Terminal(); got != tc.want {
			t.Errorf("%v.Terminal() = %v, want %v", tc.s, got, tc.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	err := wrap(base, KindFinalize, "finalize slot")
	if !errors.Is(err, base) {
		t.Error("Error does not unwrap to its cause")
	}
	if got, want := err.Error(), "ota: finalize: finalize slot: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if KindOf(base) != KindUnknown {
		t.Error("plain error has a kind")
	}
	names := map[Kind]string{
		KindConnect:    "connect",
		KindRejected:   "rejected",
		KindNoSlot:     "no_slot",
		KindWrite:      "write",
		KindStream:     "stream",
		KindEmptyImage: "empty_image",
		KindFinalize:   "finalize",
		KindBootSwitch: "boot_switch",
	}
	for k, want := range names {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
