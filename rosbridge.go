package panda_ctl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	DefaultBridgeURL = "ws://localhost:9090"

	rosapiServices   = "/rosapi/services"
	rosapiTopics     = "/rosapi/topics"
	rosapiPublishers = "/rosapi/publishers"

	bridgeHandshakeTimeout = 10 * time.Second
)

// Polling schedule used while waiting for a service or topic to show up.
var (
	availabilityInitialInterval = 50 * time.Millisecond
	availabilityMaxInterval     = time.Second
)

// bridgeMessage is an inbound rosbridge v2 frame. Only the fields this client
// consumes are decoded.
type bridgeMessage struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Service string          `json:"service,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

type topicHandler func(msg json.RawMessage)

type subscription struct {
	id      string
	handler topicHandler
}

// BridgeConn is a client connection to a rosbridge server. It multiplexes
// service calls and topic traffic over one websocket. Safe for concurrent use.
type BridgeConn struct {
	url    string
	logger logging.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	pending cmap.ConcurrentMap[string, chan bridgeMessage]

	subMu      sync.RWMutex
	subs       map[string][]subscription
	advertised map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	err       error
}

// DialBridge opens a websocket to the rosbridge server at url.
func DialBridge(ctx context.Context, url string, logger logging.Logger) (*BridgeConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: bridgeHandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrServiceUnavailable, "dial rosbridge %s: %v", url, err)
	}

	c := &BridgeConn{
		url:        url,
		logger:     logger,
		ws:         ws,
		pending:    cmap.New[chan bridgeMessage](),
		subs:       make(map[string][]subscription),
		advertised: make(map[string]time.Time),
		done:       make(chan struct{}),
	}

	utils.PanicCapturingGo(c.readLoop)

	logger.Debugf("Connected to rosbridge at %s", url)
	return c, nil
}

// URL returns the address this connection was dialed with.
func (c *BridgeConn) URL() string {
	return c.url
}

// Err returns the error that terminated the connection, or nil while it is open.
func (c *BridgeConn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *BridgeConn) readLoop() {
	defer close(c.done)

	for {
		var msg bridgeMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debugf("rosbridge read loop for %s stopped: %v", c.url, err)
			}
			return
		}

		switch msg.Op {
		case "service_response":
			ch, ok := c.pending.Get(msg.ID)
			if !ok {
				c.logger.Debugf("Dropping response for unknown call %q", msg.ID)
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		case "publish":
			c.subMu.RLock()
			subs := append([]subscription(nil), c.subs[msg.Topic]...)
			c.subMu.RUnlock()
			for _, sub := range subs {
				sub.handler(msg.Msg)
			}
		case "status":
			if msg.Level == "error" || msg.Level == "warning" {
				c.logger.Warnf("rosbridge %s: %s", msg.Level, string(msg.Msg))
			} else {
				c.logger.Debugf("rosbridge %s: %s", msg.Level, string(msg.Msg))
			}
		default:
			c.logger.Debugf("Ignoring rosbridge op %q", msg.Op)
		}
	}
}

func (c *BridgeConn) send(frame map[string]interface{}) error {
	if err := c.Err(); err != nil {
		return errors.Wrapf(ErrServiceUnavailable, "rosbridge %s closed: %v", c.url, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteJSON(frame); err != nil {
		return errors.Wrapf(ErrServiceCallFailed, "write %s frame: %v", frame["op"], err)
	}
	return nil
}

// CallService calls a ROS service and decodes the response values into reply
// (which may be nil). The call is bounded only by ctx.
func (c *BridgeConn) CallService(ctx context.Context, service string, args, reply interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	id := "call_service:" + service + ":" + uuid.NewString()
	ch := make(chan bridgeMessage, 1)
	c.pending.Set(id, ch)
	defer c.pending.Remove(id)

	if err := c.send(map[string]interface{}{
		"op":      "call_service",
		"id":      id,
		"service": service,
		"args":    args,
	}); err != nil {
		return err
	}

	var resp bridgeMessage
	select {
	case resp = <-ch:
	case <-ctx.Done():
		return errors.Wrapf(ErrServiceCallFailed, "%s: %v", service, ctx.Err())
	case <-c.done:
		return errors.Wrapf(ErrServiceCallFailed, "%s: connection closed: %v", service, c.Err())
	}

	if resp.Result != nil && !*resp.Result {
		return errors.Wrapf(ErrServiceCallFailed, "%s: %s", service, string(resp.Values))
	}

	if reply == nil || len(resp.Values) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Values, reply); err != nil {
		return errors.Wrapf(ErrServiceCallFailed, "%s: malformed response: %v", service, err)
	}
	return nil
}

// WaitForService blocks until service is advertised by the ROS master or ctx
// is done. Without a deadline on ctx it waits forever.
func (c *BridgeConn) WaitForService(ctx context.Context, service string) error {
	return c.waitFor(ctx, service, func() (bool, error) {
		var resp struct {
			Services []string `json:"services"`
		}
		if err := c.CallService(ctx, rosapiServices, nil, &resp); err != nil {
			return false, err
		}
		return containsString(resp.Services, service), nil
	})
}

// WaitForPublisher blocks until at least one node publishes topic. Action
// servers are detected through their status topic.
func (c *BridgeConn) WaitForPublisher(ctx context.Context, topic string) error {
	return c.waitFor(ctx, topic, func() (bool, error) {
		var resp struct {
			Publishers []string `json:"publishers"`
		}
		if err := c.CallService(ctx, rosapiPublishers, map[string]interface{}{"topic": topic}, &resp); err != nil {
			return false, err
		}
		return len(resp.Publishers) > 0, nil
	})
}

func (c *BridgeConn) waitFor(ctx context.Context, what string, check func() (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = availabilityInitialInterval
	b.MaxInterval = availabilityMaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		found, err := check()
		if err != nil {
			if c.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if !found {
			if attempts == 1 {
				c.logger.Debugf("Waiting for %s to become available", what)
			}
			return errors.Errorf("%s not available yet", what)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			return errors.WithMessagef(err, "waiting for %s", what)
		}
		return errors.Wrapf(ErrServiceUnavailable, "waiting for %s: %v", what, err)
	}
	return nil
}

// ListServices returns every service currently advertised.
func (c *BridgeConn) ListServices(ctx context.Context) ([]string, error) {
	var resp struct {
		Services []string `json:"services"`
	}
	if err := c.CallService(ctx, rosapiServices, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// ListTopics returns every topic currently known to the ROS master.
func (c *BridgeConn) ListTopics(ctx context.Context) ([]string, error) {
	var resp struct {
		Topics []string `json:"topics"`
	}
	if err := c.CallService(ctx, rosapiTopics, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// Advertise announces that this client publishes msgType on topic and
// returns when the topic was first advertised on this connection. Subscribers
// may need a moment after that to connect.
func (c *BridgeConn) Advertise(topic, msgType string) (time.Time, error) {
	c.subMu.Lock()
	if at, ok := c.advertised[topic]; ok {
		c.subMu.Unlock()
		return at, nil
	}
	at := time.Now()
	c.advertised[topic] = at
	c.subMu.Unlock()

	err := c.send(map[string]interface{}{
		"op":    "advertise",
		"id":    "advertise:" + topic,
		"topic": topic,
		"type":  msgType,
	})
	if err != nil {
		c.subMu.Lock()
		delete(c.advertised, topic)
		c.subMu.Unlock()
		return time.Time{}, err
	}
	return at, nil
}

// Publish sends msg on a topic previously advertised.
func (c *BridgeConn) Publish(topic string, msg interface{}) error {
	return c.send(map[string]interface{}{
		"op":    "publish",
		"topic": topic,
		"msg":   msg,
	})
}

// Subscribe registers handler for messages on topic. Handlers run on the read
// loop and must not block. The returned function cancels the subscription.
func (c *BridgeConn) Subscribe(topic, msgType string, handler func(json.RawMessage)) (func(), error) {
	id := "subscribe:" + topic + ":" + uuid.NewString()

	c.subMu.Lock()
	c.subs[topic] = append(c.subs[topic], subscription{id: id, handler: handler})
	c.subMu.Unlock()

	if err := c.send(map[string]interface{}{
		"op":    "subscribe",
		"id":    id,
		"topic": topic,
		"type":  msgType,
	}); err != nil {
		c.removeSubscription(topic, id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeSubscription(topic, id)
			if c.Err() != nil {
				return
			}
			if err := c.send(map[string]interface{}{
				"op":    "unsubscribe",
				"id":    id,
				"topic": topic,
			}); err != nil {
				c.logger.Debugf("unsubscribe from %s: %v", topic, err)
			}
		})
	}, nil
}

func (c *BridgeConn) removeSubscription(topic, id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	subs := c.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			c.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[topic]) == 0 {
		delete(c.subs, topic)
	}
}

// Close shuts the websocket down and waits for the read loop to exit.
func (c *BridgeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		utils.UncheckedError(c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		))
		c.writeMu.Unlock()

		err = c.ws.Close()
		<-c.done
	})
	return err
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
