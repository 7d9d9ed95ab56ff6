package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ef-rpc/codec"
)

const (
	contentTypeJSON = "application/json"
	contentTypeZstd = "application/zstd"
)

func contentType(ct codec.CodecType) string {
	if ct == codec.CodecTypeZstd {
		return contentTypeZstd
	}
	return contentTypeJSON
}

func codecFromContentType(s string) (codec.CodecType, error) {
	switch s {
	case contentTypeJSON, "":
		return codec.CodecTypeJSON, nil
	case contentTypeZstd:
		return codec.CodecTypeZstd, nil
	}
	return 0, fmt.Errorf("transport: unsupported content type %q", s)
}

// QueueName returns the AMQP request queue of a service version.
func QueueName(prefix, service, version string) string {
	return prefix + "." + service + ":" + version
}

// AMQPClient publishes requests to the target's queue through the default
// exchange and consumes responses from an exclusive, auto-deleted reply
// queue. Responses are matched by the CorrelationId property.
type AMQPClient struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	opts  options
	reply string
	recv  receiver
	mu    sync.Mutex // serializes publishes on ch
	done  chan struct{}
}

func NewAMQPClient(url string, opts ...Option) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("transport: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: amqp reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: amqp consume: %w", err)
	}
	c := &AMQPClient{conn: conn, ch: ch, opts: newOptions(opts), reply: q.Name, done: make(chan struct{})}
	go c.consume(deliveries)
	return c, nil
}

func (c *AMQPClient) consume(deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	for d := range deliveries {
		if d.CorrelationId == "" {
			continue
		}
		if e, ok := d.Headers[headerError].(string); ok && e != "" {
			c.recv.deliver(d.CorrelationId, nil, errors.New(e))
			continue
		}
		c.recv.deliver(d.CorrelationId, d.Body, nil)
	}
}

func (c *AMQPClient) OnReceive(fn ReceiveFunc) { c.recv.set(fn) }

func (c *AMQPClient) Send(ctx context.Context, id string, payload []byte) error {
	target, ok := TargetFrom(ctx)
	if !ok {
		return errors.New("transport: amqp send without target")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.PublishWithContext(ctx,
		"", // default exchange routes by queue name
		QueueName(c.opts.prefix, target.Service, target.Version),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   contentType(c.opts.codec),
			CorrelationId: id,
			ReplyTo:       c.reply,
			Timestamp:     time.Now(),
			Body:          payload,
		})
}

func (c *AMQPClient) Close() error {
	c.ch.Close()
	err := c.conn.Close()
	<-c.done
	return err
}

// AMQPServer consumes the request queues of the services it is told to
// Listen for and publishes each response to the request's ReplyTo queue.
type AMQPServer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	opts    options
	handler Handler
	mu      sync.Mutex // serializes publishes on ch; guards tags
	tags    []string
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewAMQPServer(url string, handler Handler, opts ...Option) (*AMQPServer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("transport: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: amqp channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPServer{conn: conn, ch: ch, opts: newOptions(opts), handler: handler, ctx: ctx, cancel: cancel}, nil
}

// Listen declares the request queue of a service version and starts
// consuming it.
func (s *AMQPServer) Listen(service, version string) error {
	name := QueueName(s.opts.prefix, service, version)
	if _, err := s.ch.QueueDeclare(name, false, false, false, false, nil); err != nil {
		return fmt.Errorf("transport: amqp declare %s: %w", name, err)
	}
	tag := "efrpc-" + name
	deliveries, err := s.ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("transport: amqp consume %s: %w", name, err)
	}
	s.mu.Lock()
	s.tags = append(s.tags, tag)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for d := range deliveries {
			s.wg.Add(1)
			go s.handle(d)
		}
	}()
	s.opts.logger.Info("amqp queue listening", zap.String("queue", name))
	return nil
}

func (s *AMQPServer) handle(d amqp.Delivery) {
	defer s.wg.Done()
	out := amqp.Publishing{CorrelationId: d.CorrelationId, ContentType: d.ContentType, Timestamp: time.Now()}
	if ct, err := codecFromContentType(d.ContentType); err != nil {
		out.Headers = amqp.Table{headerError: err.Error()}
	} else {
		out.Body = s.handler(s.ctx, ct, d.CorrelationId, d.Body)
	}
	if d.ReplyTo != "" {
		s.mu.Lock()
		err := s.ch.PublishWithContext(s.ctx, "", d.ReplyTo, false, false, out)
		s.mu.Unlock()
		if err != nil {
			s.opts.logger.Warn("amqp reply failed", zap.String("id", d.CorrelationId), zap.Error(err))
		}
	}
	if err := d.Ack(false); err != nil {
		s.opts.logger.Warn("amqp ack failed", zap.String("id", d.CorrelationId), zap.Error(err))
	}
}

// Close cancels every consumer, waits for the requests in progress to be
// answered and then closes the connection.
func (s *AMQPServer) Close() error {
	s.mu.Lock()
	tags := s.tags
	s.tags = nil
	s.mu.Unlock()
	for _, tag := range tags {
		if err := s.ch.Cancel(tag, false); err != nil {
			s.opts.logger.Warn("amqp cancel failed", zap.String("consumer", tag), zap.Error(err))
		}
	}
	s.wg.Wait()
	s.cancel()
	s.ch.Close()
	return s.conn.Close()
}
