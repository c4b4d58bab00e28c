// Package mockbinder provides an in-process stand-in for afb-binder. It
// speaks enough of the binder's surface for tests: the x-afb-ws-json1
// websocket endpoint at /api, the REST call route /api/{api}/{verb}, a
// monitor/get implementation describing the registered APIs, and event
// broadcast to all websocket sessions.
package mockbinder

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/redpesk-common/afb-test-go/afbws"
	"github.com/redpesk-common/afb-test-go/framework"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// VerbHandler implements one verb. It receives the call arguments as raw
// JSON and returns either a response value (marshaled as JSON) or a VerbError.
type VerbHandler func(args json.RawMessage) (interface{}, *VerbError)

// VerbError is a verb-level failure, delivered to the caller as a RETERR
// frame rather than as a transport error.
type VerbError struct {
	Status string
	Info   string
	Code   int
}

func (e *VerbError) Error() string {
	if e.Info == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Info)
}

// Errorf builds a VerbError with status "failed" and a formatted info text.
func Errorf(format string, args ...interface{}) *VerbError {
	return &VerbError{Status: "failed", Info: fmt.Sprintf(format, args...)}
}

type MockBinder struct {
	handler  http.Handler
	upgrader websocket.Upgrader
	logger   framework.Logger
	verbs    map[string]VerbHandler // keyed by "api/verb"
	sessions map[*wsSession]bool
	lock     sync.Mutex
}

type wsSession struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (s *wsSession) write(data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func New(debugLogger framework.Logger) *MockBinder {
	b := &MockBinder{
		upgrader: websocket.Upgrader{Subprotocols: []string{afbws.Subprotocol}},
		logger:   debugLogger,
		verbs:    make(map[string]VerbHandler),
		sessions: make(map[*wsSession]bool),
	}
	b.AddVerb("monitor", "get", b.monitorGet)

	router := mux.NewRouter()
	router.HandleFunc("/api", b.serveWebsocket)
	router.HandleFunc("/api/{api}/{verb}", b.serveRESTCall).Methods("GET", "POST")
	b.handler = router
	return b
}

func (b *MockBinder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.handler.ServeHTTP(w, r)
}

// AddVerb registers a handler for api/verb, replacing any previous one.
func (b *MockBinder) AddVerb(api, verb string, handler VerbHandler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.verbs[api+"/"+verb] = handler
}

// Emit broadcasts an event to every connected websocket session.
func (b *MockBinder) Emit(api, event string, data interface{}) {
	name := api + "/" + event
	envelope := afbws.EventEnvelope{JType: afbws.EventJType, Event: name}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			b.logger.Printf("mock binder: cannot marshal data for event %s: %s", name, err)
			return
		}
		envelope.Data = encoded
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Printf("mock binder: cannot marshal envelope for event %s: %s", name, err)
		return
	}
	frame, err := afbws.Frame{Type: afbws.FrameEvent, Name: name, Data: envelopeJSON}.Encode()
	if err != nil {
		b.logger.Printf("mock binder: cannot encode event %s: %s", name, err)
		return
	}

	b.lock.Lock()
	sessions := make([]*wsSession, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.lock.Unlock()

	b.logger.Printf("mock binder: pushing event %s to %d sessions", name, len(sessions))
	for _, s := range sessions {
		if err := s.write(frame); err != nil {
			b.logger.Printf("mock binder: write event to session failed: %s", err)
		}
	}
}

// invoke runs the verb handler for name. The handler is called without the
// binder lock held, so handlers may call Emit or AddVerb.
func (b *MockBinder) invoke(name string, args json.RawMessage) (interface{}, *VerbError) {
	api, _, found := strings.Cut(name, "/")
	if !found {
		return nil, &VerbError{Status: "bad-request", Info: fmt.Sprintf("%q is not an api/verb name", name)}
	}

	b.lock.Lock()
	handler := b.verbs[name]
	apiKnown := false
	if handler == nil {
		for registered := range b.verbs {
			if strings.HasPrefix(registered, api+"/") {
				apiKnown = true
				break
			}
		}
	}
	b.lock.Unlock()

	if handler == nil {
		if !apiKnown {
			return nil, &VerbError{Status: "unknown-api", Info: fmt.Sprintf("api %q not found", api)}
		}
		return nil, &VerbError{Status: "unknown-verb", Info: fmt.Sprintf("verb %q not found", name)}
	}
	return handler(args)
}

func (b *MockBinder) monitorGet(args json.RawMessage) (interface{}, *VerbError) {
	b.lock.Lock()
	defer b.lock.Unlock()
	apis := make(map[string]map[string]interface{})
	for name := range b.verbs {
		api, verb, _ := strings.Cut(name, "/")
		if apis[api] == nil {
			apis[api] = make(map[string]interface{})
		}
		apis[api][verb] = map[string]interface{}{}
	}
	return map[string]interface{}{"apis": apis}, nil
}

func (b *MockBinder) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Printf("mock binder: websocket upgrade failed: %s", err)
		return
	}
	session := &wsSession{conn: conn}
	b.lock.Lock()
	b.sessions[session] = true
	b.lock.Unlock()
	b.logger.Printf("mock binder: websocket session opened")

	defer func() {
		b.lock.Lock()
		delete(b.sessions, session)
		b.lock.Unlock()
		_ = conn.Close()
		b.logger.Printf("mock binder: websocket session closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := afbws.ParseFrame(data)
		if err != nil {
			b.logger.Printf("mock binder: discarding frame: %s", err)
			continue
		}
		if frame.Type != afbws.FrameCall {
			b.logger.Printf("mock binder: ignoring frame type %d", frame.Type)
			continue
		}
		b.logger.Printf("mock binder: call %s", frame.Name)
		result, verr := b.invoke(frame.Name, frame.Data)
		reply, err := b.encodeReplyFrame(frame.ID, result, verr)
		if err != nil {
			b.logger.Printf("mock binder: cannot encode reply for %s: %s", frame.Name, err)
			continue
		}
		if err := session.write(reply); err != nil {
			b.logger.Printf("mock binder: write reply failed: %s", err)
			return
		}
	}
}

func (b *MockBinder) serveRESTCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["api"] + "/" + vars["verb"]

	var args json.RawMessage
	switch r.Method {
	case "POST":
		body, err := io.ReadAll(r.Body)
		if err == nil && len(body) > 0 {
			args = body
		}
	default:
		if q := r.URL.Query().Get("args"); q != "" {
			args = json.RawMessage(q)
		}
	}

	b.logger.Printf("mock binder: REST call %s", name)
	result, verr := b.invoke(name, args)
	envelope, err := makeReplyEnvelope(result, verr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if verr != nil {
		status = http.StatusBadRequest
		if verr.Status == "unknown-api" || verr.Status == "unknown-verb" {
			status = http.StatusNotFound
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(envelope)
	_, _ = w.Write(data)
}

func (b *MockBinder) encodeReplyFrame(callID string, result interface{}, verr *VerbError) ([]byte, error) {
	envelope, err := makeReplyEnvelope(result, verr)
	if err != nil {
		return nil, err
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	frameType := afbws.FrameReplyOK
	if verr != nil {
		frameType = afbws.FrameReplyError
	}
	return afbws.Frame{Type: frameType, ID: callID, Data: envelopeJSON}.Encode()
}

func makeReplyEnvelope(result interface{}, verr *VerbError) (afbws.ReplyEnvelope, error) {
	if verr != nil {
		return afbws.ReplyEnvelope{
			JType:   afbws.ReplyJType,
			Request: afbws.ReplyRequest{Status: verr.Status, Info: verr.Info, Code: verr.Code},
		}, nil
	}
	envelope := afbws.ReplyEnvelope{
		JType:   afbws.ReplyJType,
		Request: afbws.ReplyRequest{Status: afbws.StatusSuccess},
	}
	if result != nil {
		response, err := json.Marshal(result)
		if err != nil {
			return afbws.ReplyEnvelope{}, fmt.Errorf("marshaling response: %w", err)
		}
		envelope.Response = response
	}
	return envelope, nil
}
