package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Defaults for a Controller.
const (
	DefaultChunkSize = 1024
	DefaultTimeout   = 30 * time.Second
	DefaultGrace     = 3 * time.Second

	// maxEmptyReads bounds consecutive (0, nil) reads before the stream
	// is considered stalled.
	maxEmptyReads = 1000
)

// State is the phase of an update session.
type State uint8

const (
	Idle State = iota
	Connecting
	StatusChecked
	Transferring
	Finalizing
	Success
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case StatusChecked:
		return "status-checked"
	case Transferring:
		return "transferring"
	case Finalizing:
		return "finalizing"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Aborted
}

// Session is a snapshot of one update attempt.
type Session struct {
	ID             uint32
	URL            string
	State          State
	StatusCode     int
	ExpectedLength int64 // -1 if unknown
	BytesWritten   uint64
	Digest         [sha256.Size]byte
	Err            error
	Started        time.Time
	Ended          time.Time
}

// Restarter reboots the device into whatever boot target is set.
type Restarter interface {
	Restart()
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func()

func (f RestartFunc) Restart() { f() }

// Config tunes a Controller. Zero fields take defaults.
type Config struct {
	ChunkSize int
	Timeout   time.Duration
	Grace     time.Duration
}

// Controller drives update sessions from a Source into a Target.
// Only one session runs at a time.
type Controller struct {
	source  Source
	target  Target
	restart Restarter
	logger  *slog.Logger
	cfg     Config
	sleep   func(time.Duration)

	mu            sync.Mutex
	running       bool
	seq           uint32
	last          Session
	beforeRestart []func()
	notify        []func(Session)
}

// NewController returns a Controller. logger may be nil.
func NewController(src Source, tgt Target, r Restarter, logger *slog.Logger, cfg Config) *Controller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		source:  src,
		target:  tgt,
		restart: r,
		logger:  logger,
		cfg:     cfg,
		sleep:   time.Sleep,
	}
}

// BeforeRestart registers fn to run after a successful update, before the
// grace delay that precedes the restart.
func (c *Controller) BeforeRestart(fn func()) {
	c.mu.Lock()
	c.beforeRestart = append(c.beforeRestart, fn)
	c.mu.Unlock()
}

// Notify registers fn to receive every terminal session.
func (c *Controller) Notify(fn func(Session)) {
	c.mu.Lock()
	c.notify = append(c.notify, fn)
	c.mu.Unlock()
}

// Status returns the current or most recent session.
func (c *Controller) Status() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Busy reports whether a session is live or a successful one is waiting
// for its restart.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start runs an update attempt on a new goroutine. If a session is already
// live the request ends Aborted and Start returns false.
func (c *Controller) Start(url string) bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.reject(url)
		return false
	}
	c.running = true
	c.mu.Unlock()
	go c.run(url)
	return true
}

// Run executes one update attempt and returns its terminal session.
// A request made while another session is live ends Aborted with ErrBusy.
func (c *Controller) Run(url string) Session {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return c.reject(url)
	}
	c.running = true
	c.mu.Unlock()
	return c.run(url)
}

// reject reports a request that arrived while a session was live. It never
// touches the source or the target.
func (c *Controller) reject(url string) Session {
	now := time.Now()
	s := Session{URL: url, State: Aborted, Err: ErrBusy, ExpectedLength: -1, Started: now, Ended: now}
	c.logger.Warn("ota:busy", slog.String("url", url))
	c.emit(s)
	return s
}

// session is the live state owned by one run. Only run mutates it.
type session struct {
	Session
	stream Stream
	slot   Slot
}

func (c *Controller) run(url string) Session {
	c.mu.Lock()
	c.seq++
	s := &session{Session: Session{
		ID:             c.seq,
		URL:            url,
		ExpectedLength: -1,
		Started:        time.Now(),
	}}
	c.mu.Unlock()

	c.transfer(s)

	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.slot != nil {
		if err := s.slot.Abort(); err != nil {
			c.logger.Error("ota:abort-failed", slog.String("err", err.Error()))
		}
		s.slot = nil
	}
	s.Ended = time.Now()

	c.mu.Lock()
	c.last = s.Session
	// Success holds the controller until the restart is issued: the new
	// image sits in the inactive partition a second attempt would erase.
	if s.State != Success {
		c.running = false
	}
	c.mu.Unlock()

	if s.State == Failed {
		c.logger.Error("ota:failed",
			slog.Uint64("session", uint64(s.ID)),
			slog.String("kind", KindOf(s.Err).String()),
			slog.String("err", s.Err.Error()),
			slog.Uint64("bytes", s.BytesWritten),
		)
	}
	c.emit(s.Session)

	if s.State == Success {
		c.scheduleRestart()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}
	return s.Session
}

func (c *Controller) setState(s *session, st State) {
	s.State = st
	c.mu.Lock()
	c.last = s.Session
	c.mu.Unlock()
	c.logger.Debug("ota:state", slog.Uint64("session", uint64(s.ID)), slog.String("state", st.String()))
}

func (c *Controller) fail(s *session, err *Error) {
	s.Err = err
	c.setState(s, Failed)
}

// transfer walks the state machine until a terminal state. On return the
// slot field is non-nil only if it still needs aborting.
func (c *Controller) transfer(s *session) {
	c.setState(s, Connecting)
	c.logger.Info("ota:connecting", slog.String("url", s.URL), slog.Duration("timeout", c.cfg.Timeout))
	stream, err := c.source.Open(s.URL, c.cfg.Timeout)
	if err != nil {
		c.fail(s, wrap(err, KindConnect, "open image stream"))
		return
	}
	s.stream = stream

	code, length := stream.Status()
	s.StatusCode = code
	s.ExpectedLength = length
	c.setState(s, StatusChecked)
	if code != 200 {
		e := wrap(ErrBadStatus, KindRejected, "image request rejected")
		e.StatusCode = code
		c.fail(s, e)
		return
	}
	c.logger.Info("ota:status", slog.Int("code", code), slog.Int64("length", length))

	slot, err := c.target.BeginSlot()
	if err != nil {
		c.fail(s, wrap(err, KindNoSlot, "begin slot"))
		return
	}
	s.slot = slot
	c.setState(s, Transferring)

	buf := make([]byte, c.cfg.ChunkSize)
	sum := sha256.New()
	empty := 0
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			empty = 0
			if werr := slot.Append(buf[:n]); werr != nil {
				c.fail(s, wrap(werr, KindWrite, "append to slot"))
				return
			}
			sum.Write(buf[:n])
			s.BytesWritten += uint64(n)
			c.mu.Lock()
			c.last.BytesWritten = s.BytesWritten
			c.mu.Unlock()
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.fail(s, wrap(err, KindStream, "read image stream"))
			return
		}
		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				c.fail(s, wrap(ErrStalled, KindStream, "read image stream"))
				return
			}
		}
	}

	c.setState(s, Finalizing)
	if s.BytesWritten == 0 {
		c.fail(s, wrap(ErrEmptyImage, KindEmptyImage, "finalize"))
		return
	}
	if err := slot.Finalize(); err != nil {
		c.fail(s, wrap(err, KindFinalize, "finalize slot"))
		return
	}
	// Finalized slots are no longer abortable.
	s.slot = nil
	copy(s.Digest[:], sum.Sum(nil))

	if err := slot.SetBootTarget(); err != nil {
		c.fail(s, wrap(err, KindBootSwitch, "image flashed but not bootable"))
		return
	}
	c.setState(s, Success)
	c.logger.Info("ota:success",
		slog.Uint64("session", uint64(s.ID)),
		slog.Uint64("bytes", s.BytesWritten),
		slog.String("sha256", hex.EncodeToString(s.Digest[:])),
	)
}

func (c *Controller) emit(s Session) {
	c.mu.Lock()
	fns := slices.Clone(c.notify)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) scheduleRestart() {
	c.mu.Lock()
	hooks := slices.Clone(c.beforeRestart)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	c.logger.Warn("ota:rebooting", slog.Duration("in", c.cfg.Grace))
	c.sleep(c.cfg.Grace)
	if c.restart != nil {
		c.restart.Restart()
	}
}
