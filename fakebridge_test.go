package panda_ctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeBridge is an in-process rosbridge server. It answers the rosapi
// introspection services from its own tables, dispatches other service calls
// to registered handlers, and hands goals published on action goal topics to
// registered action servers.
type fakeBridge struct {
	srv *httptest.Server

	mu         sync.Mutex
	services   map[string]fakeService
	publishers map[string][]string
	actions    map[string]fakeAction
	calls      []fakeCall
	published  []fakePublish
	advertised map[string]string
	conns      []*fakeConn
}

type fakeService func(args json.RawMessage) (values interface{}, ok bool)

// fakeAction is invoked for each goal sent to an action server.
type fakeAction func(fb *fakeBridge, goalID string, goal json.RawMessage)

type fakeCall struct {
	Service string
	Args    json.RawMessage
}

type fakePublish struct {
	Topic string
	Msg   json.RawMessage
}

type fakeConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	subs map[string]bool
}

type fakeFrame struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Service string          `json:"service"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Args    json.RawMessage `json:"args"`
	Msg     json.RawMessage `json:"msg"`
}

func newFakeBridge(t testing.TB) *fakeBridge {
	fb := &fakeBridge{
		services:   map[string]fakeService{},
		publishers: map[string][]string{},
		actions:    map[string]fakeAction{},
		advertised: map[string]string{},
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBridge) URL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) Close() {
	fb.dropConnections()
	fb.srv.Close()
}

// dropConnections closes every client websocket without a close handshake.
func (fb *fakeBridge) dropConnections() {
	fb.mu.Lock()
	conns := fb.conns
	fb.conns = nil
	fb.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (fb *fakeBridge) setService(name string, handler fakeService) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.services[name] = handler
}

func (fb *fakeBridge) setPublishers(topic string, nodes ...string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.publishers[topic] = nodes
}

// addActionServer makes an action server at name visible and routes its goals
// to handler.
func (fb *fakeBridge) addActionServer(name string, handler fakeAction) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.publishers[name+"/status"] = []string{name + "_server"}
	fb.publishers[name+"/result"] = []string{name + "_server"}
	fb.actions[name+"/goal"] = handler
}

// sendResult publishes an actionlib result for goalID on name/result.
func (fb *fakeBridge) sendResult(name, goalID string, status GoalStatus, result interface{}) {
	msg := map[string]interface{}{
		"header": map[string]interface{}{},
		"status": map[string]interface{}{
			"goal_id": map[string]interface{}{"id": goalID},
			"status":  int(status),
		},
		"result": result,
	}
	fb.emit(name+"/result", msg)
}

// emit publishes msg to every connection subscribed to topic.
func (fb *fakeBridge) emit(topic string, msg interface{}) {
	fb.mu.Lock()
	conns := append([]*fakeConn(nil), fb.conns...)
	fb.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.subs[topic] {
			_ = c.ws.WriteJSON(map[string]interface{}{
				"op":    "publish",
				"topic": topic,
				"msg":   msg,
			})
		}
		c.mu.Unlock()
	}
}

func (fb *fakeBridge) callsTo(service string) []fakeCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var out []fakeCall
	for _, c := range fb.calls {
		if c.Service == service {
			out = append(out, c)
		}
	}
	return out
}

func (fb *fakeBridge) publishedOn(topic string) []fakePublish {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var out []fakePublish
	for _, p := range fb.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (fb *fakeBridge) advertisedType(topic string) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.advertised[topic]
}

func (fb *fakeBridge) connectionCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.conns)
}

var fakeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (fb *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := fakeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws, subs: map[string]bool{}}

	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()

	defer func() {
		fb.mu.Lock()
		for i, c := range fb.conns {
			if c == conn {
				fb.conns = append(fb.conns[:i], fb.conns[i+1:]...)
				break
			}
		}
		fb.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var frame fakeFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Op {
		case "call_service":
			values, ok := fb.handleCall(frame.Service, frame.Args)
			conn.mu.Lock()
			_ = ws.WriteJSON(map[string]interface{}{
				"op":      "service_response",
				"id":      frame.ID,
				"service": frame.Service,
				"values":  values,
				"result":  ok,
			})
			conn.mu.Unlock()
		case "subscribe":
			conn.mu.Lock()
			conn.subs[frame.Topic] = true
			conn.mu.Unlock()
		case "unsubscribe":
			conn.mu.Lock()
			delete(conn.subs, frame.Topic)
			conn.mu.Unlock()
		case "advertise":
			fb.mu.Lock()
			fb.advertised[frame.Topic] = frame.Type
			fb.mu.Unlock()
		case "publish":
			fb.mu.Lock()
			fb.published = append(fb.published, fakePublish{Topic: frame.Topic, Msg: frame.Msg})
			action := fb.actions[frame.Topic]
			fb.mu.Unlock()
			if action != nil {
				var goal struct {
					GoalID struct {
						ID string `json:"id"`
					} `json:"goal_id"`
					Goal json.RawMessage `json:"goal"`
				}
				if err := json.Unmarshal(frame.Msg, &goal); err == nil {
					go action(fb, goal.GoalID.ID, goal.Goal)
				}
			}
		}
	}
}

func (fb *fakeBridge) handleCall(service string, args json.RawMessage) (interface{}, bool) {
	fb.mu.Lock()
	fb.calls = append(fb.calls, fakeCall{Service: service, Args: args})
	handler := fb.services[service]

	switch service {
	case rosapiServices:
		names := []string{rosapiServices, rosapiTopics, rosapiPublishers}
		for name := range fb.services {
			names = append(names, name)
		}
		sort.Strings(names)
		fb.mu.Unlock()
		return map[string]interface{}{"services": names}, true

	case rosapiTopics:
		topics := []string{}
		for topic := range fb.publishers {
			topics = append(topics, topic)
		}
		for topic := range fb.actions {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		fb.mu.Unlock()
		return map[string]interface{}{"topics": topics}, true

	case rosapiPublishers:
		var req struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(args, &req)
		nodes := append([]string{}, fb.publishers[req.Topic]...)
		fb.mu.Unlock()
		return map[string]interface{}{"publishers": nodes}, true
	}
	fb.mu.Unlock()

	if handler == nil {
		return "service does not exist", false
	}
	return handler(args)
}

// fakeControllerManager emulates controller_manager's services on top of a
// fakeBridge, keeping controller states in memory.
type fakeControllerManager struct {
	mu          sync.Mutex
	controllers []ControllerDescriptor
	loadable    map[string]bool
}

func (m *fakeControllerManager) install(fb *fakeBridge, ns string) {
	prefix := ns + "/controller_manager/"

	fb.setService(prefix+"list_controllers", func(json.RawMessage) (interface{}, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return map[string]interface{}{"controller": append([]ControllerDescriptor{}, m.controllers...)}, true
	})

	fb.setService(prefix+"load_controller", func(args json.RawMessage) (interface{}, bool) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(args, &req)

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.loadable[req.Name] || ControllerSet(m.controllers).Contains(req.Name) {
			return okResponse{OK: false}, true
		}
		m.controllers = append(m.controllers, ControllerDescriptor{Name: req.Name, State: ControllerInitialized})
		return okResponse{OK: true}, true
	})

	fb.setService(prefix+"unload_controller", func(args json.RawMessage) (interface{}, bool) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(args, &req)

		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.controllers {
			if c.Name == req.Name && c.State != ControllerRunning {
				m.controllers = append(m.controllers[:i], m.controllers[i+1:]...)
				return okResponse{OK: true}, true
			}
		}
		return okResponse{OK: false}, true
	})

	fb.setService(prefix+"switch_controller", func(args json.RawMessage) (interface{}, bool) {
		var req SwitchRequest
		_ = json.Unmarshal(args, &req)

		m.mu.Lock()
		defer m.mu.Unlock()
		set := ControllerSet(m.controllers)
		for _, name := range req.StartControllers {
			if !set.Contains(name) {
				return okResponse{OK: false}, true
			}
		}
		for i := range m.controllers {
			if containsString(req.StopControllers, m.controllers[i].Name) {
				m.controllers[i].State = ControllerStopped
			}
			if containsString(req.StartControllers, m.controllers[i].Name) {
				m.controllers[i].State = ControllerRunning
			}
		}
		return okResponse{OK: true}, true
	})
}
