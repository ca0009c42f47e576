package bus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/structs"
)

const (
	// deliveryBuffer is the per-subscription envelope buffer. A subscriber
	// that falls this far behind starts losing envelopes; handlers are
	// required to be idempotent so peers recover via retries.
	deliveryBuffer = 256
)

// Memory is a process-local transport shared by every peer in the
// process. Peers obtain their own Bus identity through Client.
type Memory struct {
	logger hclog.Logger

	mu       sync.RWMutex
	subs     map[string][]*subscription
	waiters  map[string]chan *Envelope
	shutdown bool
}

type subscription struct {
	channel string
	handler Handler
	ch      chan *Envelope
	quitCh  chan struct{}
	logger  hclog.Logger
}

// NewMemory creates a new in-process transport.
func NewMemory(logger hclog.Logger) *Memory {
	return &Memory{
		logger:  logger.Named("bus"),
		subs:    make(map[string][]*subscription),
		waiters: make(map[string]chan *Envelope),
	}
}

// Shutdown stops every subscription dispatcher. Publishes after shutdown
// fail with ErrShutdown.
func (m *Memory) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.quitCh)
		}
	}
	m.subs = make(map[string][]*subscription)
}

// Client returns a Bus bound to the given peer identity.
func (m *Memory) Client(senderID string) Bus {
	return &memoryClient{transport: m, senderID: senderID}
}

func (m *Memory) subscribe(channel string, handler Handler) func() {
	sub := &subscription{
		channel: channel,
		handler: handler,
		ch:      make(chan *Envelope, deliveryBuffer),
		quitCh:  make(chan struct{}),
		logger:  m.logger,
	}
	go sub.dispatch()

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	return func() { m.unsubscribe(sub) }
}

func (m *Memory) unsubscribe(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			close(sub.quitCh)
			return
		}
	}
}

// dispatch drains the subscription buffer on its own goroutine so slow
// handlers never stall publishers.
func (s *subscription) dispatch() {
	for {
		select {
		case <-s.quitCh:
			return
		case env := <-s.ch:
			s.invoke(env)
		}
	}
}

// invoke guards the handler; no panic crosses the dispatcher.
func (s *subscription) invoke(env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked",
				"channel", s.channel, "type", env.Type, "recovered", r)
		}
	}()
	s.handler(env)
}

// publish delivers the envelope to every subscriber of its channel and
// resolves any request waiter parked on its correlation ID.
func (m *Memory) publish(env *Envelope) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return ErrShutdown
	}
	subs := make([]*subscription, len(m.subs[env.Channel]))
	copy(subs, m.subs[env.Channel])
	var waiter chan *Envelope
	if env.CorrelationID != "" {
		waiter = m.waiters[env.CorrelationID]
	}
	m.mu.RUnlock()

	metrics.IncrCounterWithLabels([]string{"fulcrum", "bus", "publish"}, 1,
		[]metrics.Label{{Name: "channel", Value: env.Channel}})

	if waiter != nil {
		select {
		case waiter <- env:
		default:
		}
	}

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		default:
			metrics.IncrCounter([]string{"fulcrum", "bus", "dropped"}, 1)
			m.logger.Warn("dropping envelope for slow subscriber",
				"channel", env.Channel, "type", env.Type)
		}
	}
	return nil
}

func (m *Memory) addWaiter(correlationID string) chan *Envelope {
	ch := make(chan *Envelope, 1)
	m.mu.Lock()
	m.waiters[correlationID] = ch
	m.mu.Unlock()
	return ch
}

func (m *Memory) removeWaiter(correlationID string) {
	m.mu.Lock()
	delete(m.waiters, correlationID)
	m.mu.Unlock()
}

// memoryClient binds a peer identity onto the shared transport.
type memoryClient struct {
	transport *Memory
	senderID  string
}

func (c *memoryClient) SenderID() string { return c.senderID }

func (c *memoryClient) newEnvelope(channel string, msg structs.Message) (*Envelope, error) {
	payload, err := structs.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SenderID:  c.senderID,
		MessageID: uuid.Generate(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Type:      msg.MessageType(),
		Payload:   payload,
	}, nil
}

func (c *memoryClient) Broadcast(channel string, msg structs.Message) error {
	env, err := c.newEnvelope(channel, msg)
	if err != nil {
		return err
	}
	return c.transport.publish(env)
}

func (c *memoryClient) Send(targetID, channel string, msg structs.Message) error {
	env, err := c.newEnvelope(structs.TargetedChannel(channel, targetID), msg)
	if err != nil {
		return err
	}
	return c.transport.publish(env)
}

func (c *memoryClient) Reply(orig *Envelope, channel string, msg structs.Message) error {
	env, err := c.newEnvelope(channel, msg)
	if err != nil {
		return err
	}
	env.CorrelationID = orig.MessageID
	return c.transport.publish(env)
}

func (c *memoryClient) Request(ctx context.Context, targetID, channel string, msg structs.Message, timeout time.Duration) (*Envelope, error) {
	env, err := c.newEnvelope(structs.TargetedChannel(channel, targetID), msg)
	if err != nil {
		return nil, err
	}

	waitCh := c.transport.addWaiter(env.MessageID)
	defer c.transport.removeWaiter(env.MessageID)

	if err := c.transport.publish(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waitCh:
		return resp, nil
	case <-timer.C:
		metrics.IncrCounter([]string{"fulcrum", "bus", "request_timeout"}, 1)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryClient) Subscribe(channel string, handler Handler) func() {
	return c.transport.subscribe(channel, handler)
}
