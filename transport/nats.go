package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"ef-rpc/codec"
)

// NATS headers carrying the correlation id and codec type. The body is the
// encoded envelope untouched.
const (
	natsHeaderID    = "Efrpc-Id"
	natsHeaderCodec = "Efrpc-Codec"
	// headerError replaces the body when the server could not handle the
	// request at all. AMQP uses the same key in its header table.
	headerError = "Efrpc-Error"
	natsQueueGroup  = "efrpc"
)

// Subject returns the NATS subject a service version listens on:
// prefix.service.version, with the dots of the version replaced.
func Subject(prefix, service, version string) string {
	return prefix + "." + service + "." + strings.ReplaceAll(version, ".", "_")
}

// NATSClient publishes requests on the target's subject and receives every
// response on one private inbox.
type NATSClient struct {
	nc    *nats.Conn
	opts  options
	inbox string
	sub   *nats.Subscription
	recv  receiver
}

// NewNATSClient subscribes a reply inbox on nc. nc stays owned by the
// caller; Close only drops the inbox.
func NewNATSClient(nc *nats.Conn, opts ...Option) (*NATSClient, error) {
	c := &NATSClient{nc: nc, opts: newOptions(opts), inbox: nc.NewRespInbox()}
	sub, err := nc.Subscribe(c.inbox, c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (c *NATSClient) OnReceive(fn ReceiveFunc) { c.recv.set(fn) }

func (c *NATSClient) Send(ctx context.Context, id string, payload []byte) error {
	target, ok := TargetFrom(ctx)
	if !ok {
		return errors.New("transport: nats send without target")
	}
	msg := nats.NewMsg(Subject(c.opts.prefix, target.Service, target.Version))
	msg.Reply = c.inbox
	msg.Header.Set(natsHeaderID, id)
	msg.Header.Set(natsHeaderCodec, strconv.Itoa(int(c.opts.codec)))
	msg.Data = payload
	return c.nc.PublishMsg(msg)
}

func (c *NATSClient) handle(m *nats.Msg) {
	id := m.Header.Get(natsHeaderID)
	if id == "" {
		c.opts.logger.Warn("nats response without id", zap.String("subject", m.Subject))
		return
	}
	if e := m.Header.Get(headerError); e != "" {
		c.recv.deliver(id, nil, errors.New(e))
		return
	}
	c.recv.deliver(id, m.Data, nil)
}

func (c *NATSClient) Close() error {
	return c.sub.Unsubscribe()
}

// NATSServer answers requests published under prefix.> in the shared queue
// group, so several servers split the load. Each request runs on its own
// goroutine.
type NATSServer struct {
	nc      *nats.Conn
	opts    options
	handler Handler
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewNATSServer(nc *nats.Conn, handler Handler, opts ...Option) (*NATSServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &NATSServer{nc: nc, opts: newOptions(opts), handler: handler, ctx: ctx, cancel: cancel}
	sub, err := nc.QueueSubscribe(s.opts.prefix+".>", natsQueueGroup, s.handle)
	if err != nil {
		cancel()
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *NATSServer) handle(m *nats.Msg) {
	if m.Reply == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		id := m.Header.Get(natsHeaderID)
		ct, err := strconv.Atoi(m.Header.Get(natsHeaderCodec))
		out := nats.NewMsg(m.Reply)
		out.Header.Set(natsHeaderID, id)
		if err != nil || codec.GetCodec(codec.CodecType(ct)) == nil {
			out.Header.Set(headerError, "unsupported codec "+m.Header.Get(natsHeaderCodec))
		} else {
			out.Header.Set(natsHeaderCodec, strconv.Itoa(ct))
			out.Data = s.handler(s.ctx, codec.CodecType(ct), id, m.Data)
		}
		if err := m.RespondMsg(out); err != nil {
			s.opts.logger.Warn("nats respond failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

// Close stops taking requests and waits for those in progress.
func (s *NATSServer) Close() error {
	err := s.sub.Unsubscribe()
	s.wg.Wait()
	s.cancel()
	return err
}
