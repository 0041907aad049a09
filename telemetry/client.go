// Package telemetry publishes device status and logs over MQTT.
package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

// QoS is an MQTT delivery guarantee level.
type QoS uint8

const (
	QoS0 QoS = iota // at most once
	QoS1            // at least once
	QoS2            // exactly once
)

const (
	decoderBufSize   = 512
	defaultTimeout   = 10 * time.Second
	defaultKeepAlive = 60 * time.Second
)

var (
	ErrNotConnected = errors.New("mqtt: not connected")
	ErrBadQoS       = errors.New("mqtt: invalid qos")
)

// Dialer opens the byte transport to the broker.
type Dialer interface {
	Dial() (io.ReadWriteCloser, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func() (io.ReadWriteCloser, error)

func (f DialFunc) Dial() (io.ReadWriteCloser, error) { return f() }

// readDeadliner is implemented by transports that support bounded reads.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Options configures a Client session.
type Options struct {
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	Timeout   time.Duration // connect, subscribe and unsubscribe
}

// Client is an MQTT client over natiu-mqtt. All methods are safe for
// concurrent use; packets are serialized on one transport.
type Client struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handler Handler
	conn    io.ReadWriteCloser
	acks    *ackWatch
	mq      *mqtt.Client
	unsubs  map[uint16][]string // awaiting UNSUBACK
	nextID  uint16
	queued  []Event
	userBuf [decoderBufSize]byte
}

// NewClient returns a disconnected client. logger may be nil.
func NewClient(d Dialer, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{dialer: d, opts: opts, logger: logger, nextID: 1}
}

// SetHandler sets the receiver of lifecycle events.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the broker and waits for CONNACK.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	err := c.connect(ctx)
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if c.mq != nil && c.mq.IsConnected() {
		return nil
	}
	c.teardown()
	conn, err := c.dialer.Dial()
	if err != nil {
		c.queue(Error{Op: "dial", Err: err})
		return err
	}
	mq := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: c.userBuf[:]},
		OnPub:   c.onPub,
	})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(c.opts.ClientID))
	varconn.KeepAlive = uint16(c.opts.KeepAlive / time.Second)
	if c.opts.Username != "" {
		varconn.Username = []byte(c.opts.Username)
		varconn.Password = []byte(c.opts.Password)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	c.setDeadline(conn, time.Now().Add(c.opts.Timeout))
	acks := &ackWatch{ReadWriteCloser: conn}
	if err := mq.Connect(ctx, acks, &varconn); err != nil {
		conn.Close()
		c.queue(Error{Op: "connect", Err: err})
		return err
	}
	c.conn, c.acks, c.mq = conn, acks, mq
	c.logger.Info("mqtt:connected", slog.String("clientid", c.opts.ClientID))
	c.queue(Connected{ClientID: c.opts.ClientID})
	return nil
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mq != nil && c.mq.IsConnected()
}

// Publish sends payload to topic and returns the message id assigned to it.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) (uint16, error) {
	c.mu.Lock()
	id, err := c.publish(topic, payload, qos, retain)
	c.mu.Unlock()
	c.dispatch()
	return id, err
}

func (c *Client) publish(topic string, payload []byte, qos QoS, retain bool) (uint16, error) {
	if c.mq == nil || !c.mq.IsConnected() {
		return 0, ErrNotConnected
	}
	if qos > QoS2 {
		return 0, ErrBadQoS
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoSLevel(qos), false, retain)
	if err != nil {
		return 0, err
	}
	id := c.packetID()
	c.setDeadline(c.conn, time.Now().Add(c.opts.Timeout))
	err = c.mq.PublishPayload(flags, mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: id,
	}, payload)
	if err != nil {
		c.queue(Error{Op: "publish", Err: err})
		c.checkLink(err)
		return 0, err
	}
	c.queue(Published{PacketID: id, Topic: topic, Size: len(payload)})
	return id, nil
}

// Subscribe subscribes to topics at QoS0 and waits for SUBACK.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	err := c.subscribe(ctx, topics)
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Client) subscribe(ctx context.Context, topics []string) error {
	if c.mq == nil || !c.mq.IsConnected() {
		return ErrNotConnected
	}
	reqs := make([]mqtt.SubscribeRequest, len(topics))
	for i, t := range topics {
		reqs[i] = mqtt.SubscribeRequest{TopicFilter: []byte(t), QoS: mqtt.QoS0}
	}
	id := c.packetID()
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	c.setDeadline(c.conn, time.Now().Add(c.opts.Timeout))
	err := c.mq.Subscribe(ctx, mqtt.VariablesSubscribe{
		TopicFilters:     reqs,
		PacketIdentifier: id,
	})
	if err != nil {
		c.queue(Error{Op: "subscribe", Err: err})
		c.checkLink(err)
		return err
	}
	c.logger.Info("mqtt:subscribed", slog.Any("topics", topics))
	c.queue(Subscribed{PacketID: id, Topics: topics})
	return nil
}

// Unsubscribe removes subscriptions and waits for UNSUBACK. If the wait
// times out, a later Poll still reports the acknowledgement.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	err := c.unsubscribe(ctx, topics)
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Client) unsubscribe(ctx context.Context, topics []string) error {
	if c.mq == nil || !c.mq.IsConnected() {
		return ErrNotConnected
	}
	filters := make([][]byte, len(topics))
	for i, t := range topics {
		filters[i] = []byte(t)
	}
	id := c.packetID()
	// natiu's Client has no UNSUBSCRIBE; write it on the same transport.
	var tx mqtt.Tx
	tx.SetTxTransport(c.acks)
	err := tx.WriteUnsubscribe(mqtt.VariablesUnsubscribe{
		PacketIdentifier: id,
		Topics:           filters,
	})
	if err != nil {
		c.queue(Error{Op: "unsubscribe", Err: err})
		c.queue(Disconnected{Err: err})
		c.teardown()
		return err
	}
	if c.unsubs == nil {
		c.unsubs = make(map[uint16][]string)
	}
	c.unsubs[id] = topics

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	for {
		if _, waiting := c.unsubs[id]; !waiting {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.queue(Error{Op: "unsubscribe", Err: err})
			return err
		}
		c.setDeadline(c.conn, deadline)
		err := c.mq.HandleNext()
		c.collectAcks()
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			c.queue(Error{Op: "unsubscribe", Err: err})
			c.checkLink(err)
			return err
		}
	}
}

// collectAcks reports every UNSUBACK seen on the wire since the last call.
func (c *Client) collectAcks() {
	if c.acks == nil {
		return
	}
	for _, id := range c.acks.take() {
		topics, ok := c.unsubs[id]
		if !ok {
			continue
		}
		delete(c.unsubs, id)
		c.logger.Info("mqtt:unsubscribed", slog.Any("topics", topics))
		c.queue(Unsubscribed{PacketID: id, Topics: topics})
	}
}

// Poll handles at most one incoming packet, waiting up to wait for it.
// A read timeout is not an error.
func (c *Client) Poll(wait time.Duration) error {
	c.mu.Lock()
	err := c.poll(wait)
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Client) poll(wait time.Duration) error {
	if c.mq == nil || !c.mq.IsConnected() {
		return ErrNotConnected
	}
	c.setDeadline(c.conn, time.Now().Add(wait))
	err := c.mq.HandleNext()
	c.collectAcks()
	if err == nil {
		return nil
	}
	if c.checkLink(err) {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	c.queue(Error{Op: "poll", Err: err})
	return err
}

// Close sends DISCONNECT and closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	var err error
	if c.mq != nil {
		if c.mq.IsConnected() {
			c.setDeadline(c.conn, time.Now().Add(c.opts.Timeout))
			err = c.mq.Disconnect(errors.New("client closed"))
			c.queue(Disconnected{})
		}
		c.teardown()
	}
	c.mu.Unlock()
	c.dispatch()
	return err
}

// checkLink tears the session down if the last error dropped it. It
// reports whether the session was lost.
func (c *Client) checkLink(err error) bool {
	if c.mq == nil || c.mq.IsConnected() {
		return false
	}
	c.logger.Warn("mqtt:disconnected", slog.String("err", err.Error()))
	c.queue(Disconnected{Err: err})
	c.teardown()
	return true
}

func (c *Client) teardown() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.acks, c.mq = nil, nil, nil
	clear(c.unsubs)
}

func (c *Client) onPub(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	// TopicName aliases the decoder buffer.
	c.queue(DataReceived{Topic: string(varPub.TopicName), Payload: payload})
	return nil
}

func (c *Client) packetID() uint16 {
	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return id
}

func (c *Client) setDeadline(conn io.ReadWriteCloser, t time.Time) {
	if d, ok := conn.(readDeadliner); ok {
		d.SetReadDeadline(t)
	}
}

// queue must be called with c.mu held.
func (c *Client) queue(e Event) {
	c.queued = append(c.queued, e)
}

func (c *Client) dispatch() {
	c.mu.Lock()
	events := c.queued
	c.queued = nil
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	for _, e := range events {
		h.HandleEvent(e)
	}
}

// ackWatch follows MQTT framing on the inbound stream and records the
// packet id of each UNSUBACK. natiu's Client consumes them silently.
type ackWatch struct {
	io.ReadWriteCloser
	state  uint8
	kind   mqtt.PacketType
	remain uint32
	shift  uint
	n      int
	id     [2]byte
	acked  []uint16
}

const (
	frameHeader = iota
	frameLength
	frameBody
)

func (w *ackWatch) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	for _, b := range p[:n] {
		w.feed(b)
	}
	return n, err
}

func (w *ackWatch) feed(b byte) {
	switch w.state {
	case frameHeader:
		w.kind = mqtt.PacketType(b >> 4)
		w.remain, w.shift, w.n = 0, 0, 0
		w.state = frameLength
	case frameLength:
		w.remain |= uint32(b&0x7f) << w.shift
		w.shift += 7
		if b&0x80 != 0 {
			return
		}
		w.state = frameBody
		if w.remain == 0 {
			w.state = frameHeader
		}
	case frameBody:
		if w.n < len(w.id) {
			w.id[w.n] = b
		}
		w.n++
		w.remain--
		if w.remain > 0 {
			return
		}
		if w.kind == mqtt.PacketUnsuback && w.n == len(w.id) {
			w.acked = append(w.acked, binary.BigEndian.Uint16(w.id[:]))
		}
		w.state = frameHeader
	}
}

func (w *ackWatch) take() []uint16 {
	ids := w.acked
	w.acked = nil
	return ids
}
