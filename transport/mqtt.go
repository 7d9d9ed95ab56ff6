package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"ef-rpc/codec"
	"ef-rpc/protocol"
)

// MQTT 3.1.1 has no message properties, so every payload is a protocol
// frame: the frame header carries the codec and correlation id. The
// requester's client id rides as the last request topic level and names
// the reply topic.
//
//	request:  prefix/request/<service>/<version>/<client id>
//	reply:    prefix/reply/<client id>
const (
	mqttRequestLevel = "request"
	mqttReplyLevel   = "reply"
	mqttShareGroup   = "efrpc"
	// DefaultMQTTQoS is at-least-once, so a reconnecting broker session
	// still delivers. Duplicate responses are dropped by the pending table.
	DefaultMQTTQoS byte = 1
)

// MQTTRequestTopic returns the topic a client publishes calls to target on.
func MQTTRequestTopic(prefix, service, version, clientID string) string {
	return strings.Join([]string{prefix, mqttRequestLevel, service, version, clientID}, "/")
}

// MQTTReplyTopic returns the topic a client receives its responses on.
func MQTTReplyTopic(prefix, clientID string) string {
	return prefix + "/" + mqttReplyLevel + "/" + clientID
}

// mqttReplyFor maps a request topic to its reply topic.
func mqttReplyFor(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/"+mqttRequestLevel+"/")
	if !ok {
		return "", false
	}
	levels := strings.Split(rest, "/")
	if len(levels) != 3 || levels[2] == "" {
		return "", false
	}
	return MQTTReplyTopic(prefix, levels[2]), true
}

// ConnectMQTT connects to broker with the given client id. The client id
// must be a valid single topic level (no '/', '+' or '#').
func ConnectMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	if strings.ContainsAny(clientID, "/+#") {
		return nil, fmt.Errorf("transport: mqtt client id %q is not a topic level", clientID)
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(timeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	mc := mqtt.NewClient(opts)
	tok := mc.Connect()
	if !tok.WaitTimeout(timeout) {
		mc.Disconnect(0)
		return nil, fmt.Errorf("transport: mqtt connect to %s timed out", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("transport: mqtt connect to %s: %w", broker, err)
	}
	return mc, nil
}

func mqttWait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mqttFrame(ct byte, mt protocol.MsgType, id string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, &protocol.Header{CodecType: ct, MsgType: mt, ID: id}, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MQTTClient publishes requests on per-service topics and receives every
// response on one reply topic named after its client id.
type MQTTClient struct {
	mc       mqtt.Client
	opts     options
	qos      byte
	clientID string
	reply    string
	recv     receiver
}

// NewMQTTClient subscribes the reply topic on mc. mc stays owned by the
// caller; Close only drops the subscription.
func NewMQTTClient(ctx context.Context, mc mqtt.Client, opts ...Option) (*MQTTClient, error) {
	o := newOptions(opts)
	r := mc.OptionsReader()
	id := r.ClientID()
	if id == "" || strings.ContainsAny(id, "/+#") {
		return nil, fmt.Errorf("transport: mqtt client id %q is not a topic level", id)
	}
	c := &MQTTClient{mc: mc, opts: o, qos: DefaultMQTTQoS, clientID: id, reply: MQTTReplyTopic(o.prefix, id)}
	if err := mqttWait(ctx, mc.Subscribe(c.reply, c.qos, c.handle)); err != nil {
		return nil, fmt.Errorf("transport: mqtt subscribe %s: %w", c.reply, err)
	}
	return c, nil
}

func (c *MQTTClient) OnReceive(fn ReceiveFunc) { c.recv.set(fn) }

func (c *MQTTClient) Send(ctx context.Context, id string, payload []byte) error {
	target, ok := TargetFrom(ctx)
	if !ok {
		return errors.New("transport: mqtt send without target")
	}
	frame, err := mqttFrame(byte(c.opts.codec), protocol.MsgTypeRequest, id, payload)
	if err != nil {
		return err
	}
	topic := MQTTRequestTopic(c.opts.prefix, target.Service, target.Version, c.clientID)
	return mqttWait(ctx, c.mc.Publish(topic, c.qos, false, frame))
}

func (c *MQTTClient) handle(_ mqtt.Client, m mqtt.Message) {
	h, body, err := protocol.Decode(bytes.NewReader(m.Payload()), c.opts.maxBody)
	if err != nil {
		c.opts.logger.Warn("mqtt bad response frame", zap.String("topic", m.Topic()), zap.Error(err))
		return
	}
	if h.MsgType != protocol.MsgTypeResponse || h.ID == "" {
		return
	}
	c.recv.deliver(h.ID, body, nil)
}

func (c *MQTTClient) Close() error {
	tok := c.mc.Unsubscribe(c.reply)
	tok.WaitTimeout(c.opts.dialTimeout)
	return tok.Error()
}

// MQTTServer answers requests published under prefix/request/#. It uses a
// shared subscription so several servers split the load. Each request runs
// on its own goroutine.
type MQTTServer struct {
	mc      mqtt.Client
	opts    options
	qos     byte
	topic   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMQTTServer(mc mqtt.Client, handler Handler, opts ...Option) (*MQTTServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOptions(opts)
	s := &MQTTServer{
		mc:      mc,
		opts:    o,
		qos:     DefaultMQTTQoS,
		topic:   "$share/" + mqttShareGroup + "/" + o.prefix + "/" + mqttRequestLevel + "/#",
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	tok := mc.Subscribe(s.topic, s.qos, s.handle)
	if !tok.WaitTimeout(o.dialTimeout) {
		cancel()
		return nil, fmt.Errorf("transport: mqtt subscribe %s timed out", s.topic)
	}
	if err := tok.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("transport: mqtt subscribe %s: %w", s.topic, err)
	}
	return s, nil
}

func (s *MQTTServer) handle(_ mqtt.Client, m mqtt.Message) {
	reply, ok := mqttReplyFor(s.opts.prefix, m.Topic())
	if !ok {
		s.opts.logger.Warn("mqtt request on unexpected topic", zap.String("topic", m.Topic()))
		return
	}
	h, body, err := protocol.Decode(bytes.NewReader(m.Payload()), s.opts.maxBody)
	if err != nil {
		s.opts.logger.Warn("mqtt bad request frame", zap.String("topic", m.Topic()), zap.Error(err))
		return
	}
	if h.MsgType != protocol.MsgTypeRequest {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.handler(s.ctx, codec.CodecType(h.CodecType), h.ID, body)
		frame, err := mqttFrame(h.CodecType, protocol.MsgTypeResponse, h.ID, out)
		if err != nil {
			s.opts.logger.Warn("mqtt encode response failed", zap.String("id", h.ID), zap.Error(err))
			return
		}
		tok := s.mc.Publish(reply, s.qos, false, frame)
		if !tok.WaitTimeout(s.opts.dialTimeout) || tok.Error() != nil {
			s.opts.logger.Warn("mqtt respond failed", zap.String("id", h.ID), zap.Error(tok.Error()))
		}
	}()
}

// Close stops taking requests and waits for those in progress.
func (s *MQTTServer) Close() error {
	tok := s.mc.Unsubscribe(s.topic)
	tok.WaitTimeout(s.opts.dialTimeout)
	s.wg.Wait()
	s.cancel()
	return tok.Error()
}
