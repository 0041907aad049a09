package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reporter defaults.
const (
	DefaultInterval   = 300 * time.Second
	DefaultPollWait   = 100 * time.Millisecond
	DefaultRetryDelay = 10 * time.Second
	logBatch          = 8
)

// Conn is the client handle a Reporter owns.
type Conn interface {
	SetHandler(h Handler)
	Connect(ctx context.Context) error
	Connected() bool
	Publish(topic string, payload []byte, qos QoS, retain bool) (uint16, error)
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Poll(wait time.Duration) error
	Close() error
}

// ReporterConfig configures a Reporter. Empty topics disable that stream.
type ReporterConfig struct {
	StatusTopic  string
	LogTopic     string
	EventTopic   string
	CommandTopic string

	Interval   time.Duration
	PollWait   time.Duration
	RetryDelay time.Duration
	QoS        QoS

	// Snapshot supplies the status document fields.
	Snapshot func() Status
	// OnCommand receives payloads from CommandTopic.
	OnCommand func(payload []byte)
	Logs      *LogRing
}

// ReporterStats counts reporter activity.
type ReporterStats struct {
	Connects  int
	Published int
	Received  int
	Errors    int
}

// Reporter is the periodic telemetry task. It keeps the broker session up,
// subscribes to the command topic and, once the subscription is
// acknowledged, publishes status every interval and forwards queued logs.
// Publishing is best effort.
type Reporter struct {
	conn   Conn
	cfg    ReporterConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	subscribed bool
	paused     bool
	next       time.Time
	stats      ReporterStats
	sending    sync.WaitGroup
	buf        []byte
}

// NewReporter returns a Reporter that owns conn and receives its events.
func NewReporter(conn Conn, cfg ReporterConfig, logger *slog.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Reporter{conn: conn, cfg: cfg, logger: logger, now: time.Now}
	conn.SetHandler(r)
	return r
}

// HandleEvent tracks the session from client events.
func (r *Reporter) HandleEvent(e Event) {
	switch e := e.(type) {
	case Connected:
		r.mu.Lock()
		r.subscribed = false
		r.stats.Connects++
		r.mu.Unlock()
	case Subscribed:
		if !containsTopic(e.Topics, r.cfg.CommandTopic) {
			return
		}
		r.mu.Lock()
		r.subscribed = true
		r.next = r.now()
		r.mu.Unlock()
		r.logger.Info("telemetry:ready", slog.String("topic", r.cfg.CommandTopic))
	case Unsubscribed:
		if containsTopic(e.Topics, r.cfg.CommandTopic) {
			r.mu.Lock()
			r.subscribed = false
			r.mu.Unlock()
		}
	case Disconnected:
		r.mu.Lock()
		r.subscribed = false
		r.mu.Unlock()
		if e.Err != nil {
			r.logger.Warn("telemetry:disconnected", slog.String("err", e.Err.Error()))
		}
	case Published:
		r.logger.Debug("telemetry:published", slog.String("topic", e.Topic), slog.Int("size", e.Size))
	case DataReceived:
		r.mu.Lock()
		r.stats.Received++
		r.mu.Unlock()
		if e.Topic == r.cfg.CommandTopic && r.cfg.OnCommand != nil {
			r.cfg.OnCommand(e.Payload)
		}
	case Error:
		r.mu.Lock()
		r.stats.Errors++
		r.mu.Unlock()
		r.logger.Debug("telemetry:error", slog.String("op", e.Op), slog.String("err", e.Err.Error()))
	}
}

func containsTopic(topics []string, t string) bool {
	for _, s := range topics {
		if s == t {
			return true
		}
	}
	return false
}

// Run keeps the session up until ctx is cancelled, then unsubscribes and
// disconnects.
func (r *Reporter) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		r.Step(ctx)
	}
	r.shutdown()
	return ctx.Err()
}

// Step performs one iteration of the reporter task.
func (r *Reporter) Step(ctx context.Context) {
	if !r.conn.Connected() {
		r.reconnect(ctx)
		return
	}
	r.conn.Poll(r.cfg.PollWait)

	r.mu.Lock()
	due := r.subscribed && !r.paused && !r.now().Before(r.next)
	if due {
		r.next = r.now().Add(r.cfg.Interval)
	}
	r.mu.Unlock()
	if due {
		r.PublishStatus()
	}
	r.drainLogs(logBatch)
}

func (r *Reporter) reconnect(ctx context.Context) {
	r.logger.Info("telemetry:connecting")
	err := r.conn.Connect(ctx)
	if err == nil && r.cfg.CommandTopic != "" {
		err = r.conn.Subscribe(ctx, r.cfg.CommandTopic)
		if err != nil {
			r.conn.Close()
		}
	}
	if err == nil {
		return
	}
	r.logger.Warn("telemetry:connect-failed", slog.String("err", err.Error()), slog.Duration("retry", r.cfg.RetryDelay))
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.RetryDelay):
	}
}

func (r *Reporter) shutdown() {
	if !r.conn.Connected() {
		return
	}
	if r.cfg.CommandTopic != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.conn.Unsubscribe(ctx, r.cfg.CommandTopic)
		cancel()
	}
	r.conn.Close()
	r.logger.Info("telemetry:stopped")
}

// begin reserves a publish slot. It fails before the command subscription
// is acknowledged and while paused.
func (r *Reporter) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.subscribed || r.paused {
		return false
	}
	r.sending.Add(1)
	return true
}

func (r *Reporter) publish(topic string, payload []byte, retain bool) (uint16, error) {
	id, err := r.conn.Publish(topic, payload, r.cfg.QoS, retain)
	r.mu.Lock()
	if err != nil {
		r.stats.Errors++
	} else {
		r.stats.Published++
	}
	r.mu.Unlock()
	return id, err
}

// Publish sends payload to topic if the session is ready. It returns
// ErrNotConnected otherwise.
func (r *Reporter) Publish(topic string, payload []byte) (uint16, error) {
	if topic == "" || !r.begin() {
		return 0, ErrNotConnected
	}
	defer r.sending.Done()
	return r.publish(topic, payload, false)
}

// PublishEvent sends payload on the event topic.
func (r *Reporter) PublishEvent(payload []byte) (uint16, error) {
	return r.Publish(r.cfg.EventTopic, payload)
}

// PublishStatus sends the current status document, retained.
func (r *Reporter) PublishStatus() error {
	if r.cfg.StatusTopic == "" || r.cfg.Snapshot == nil || !r.begin() {
		return nil
	}
	defer r.sending.Done()
	r.mu.Lock()
	r.buf = AppendStatusJSON(r.buf[:0], r.cfg.Snapshot())
	payload := append([]byte(nil), r.buf...)
	r.mu.Unlock()
	_, err := r.publish(r.cfg.StatusTopic, payload, true)
	if err != nil {
		r.logger.Debug("telemetry:status-failed", slog.String("err", err.Error()))
	}
	return err
}

// drainLogs publishes up to max queued log lines as one document.
func (r *Reporter) drainLogs(max int) bool {
	logs := r.cfg.Logs
	if r.cfg.LogTopic == "" || logs == nil || logs.Len() == 0 || !r.begin() {
		return false
	}
	defer r.sending.Done()
	entries := logs.Peek(max)
	payload, n := AppendLogsJSON(nil, entries)
	if n == 0 {
		// A single oversized line; drop it.
		logs.Discard(1)
		return true
	}
	if _, err := r.publish(r.cfg.LogTopic, payload, false); err != nil {
		return false
	}
	logs.Discard(n)
	return true
}

// Flush publishes status and all queued logs now. It is used right before
// a restart.
func (r *Reporter) Flush() {
	r.PublishStatus()
	for range 32 {
		if !r.drainLogs(logBatch) {
			break
		}
	}
}

// Pause stops publishing and waits for in-flight publishes to finish.
func (r *Reporter) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.sending.Wait()
}

// Resume restarts publishing after Pause.
func (r *Reporter) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Paused reports whether publishing is paused.
func (r *Reporter) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Ready reports whether the command subscription is acknowledged.
func (r *Reporter) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Stats returns a copy of the counters.
func (r *Reporter) Stats() ReporterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
