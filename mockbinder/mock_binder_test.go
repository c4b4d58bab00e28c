package mockbinder

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/redpesk-common/afb-test-go/afbws"
	"github.com/redpesk-common/afb-test-go/framework"

	"github.com/gorilla/websocket"
	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBinder() *MockBinder {
	b := New(framework.NullLogger())
	b.AddVerb("hello", "ping", func(args json.RawMessage) (interface{}, *VerbError) {
		return "Pong!", nil
	})
	b.AddVerb("hello", "echo", func(args json.RawMessage) (interface{}, *VerbError) {
		return args, nil
	})
	b.AddVerb("hello", "fail", func(args json.RawMessage) (interface{}, *VerbError) {
		return nil, &VerbError{Status: "failed", Info: "always fails", Code: 7}
	})
	return b
}

func connectWebsocket(t *testing.T, server *httptest.Server) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api"
	dialer := websocket.Dialer{Subprotocols: []string{afbws.Subprotocol}}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame afbws.Frame) {
	data, err := frame.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) afbws.Frame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := afbws.ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func TestMockBinderWebsocketCall(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()
		assert.Equal(t, afbws.Subprotocol, conn.Subprotocol())

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "hello/ping",
			Data: json.RawMessage(`null`)})
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyOK, reply.Type)
		assert.Equal(t, "1", reply.ID)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"success"},"response":"Pong!"}`,
			string(reply.Data))

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "2", Name: "hello/fail"})
		reply = readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyError, reply.Type)
		assert.Equal(t, "2", reply.ID)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"failed","info":"always fails","code":7}}`,
			string(reply.Data))
	})
}

func TestMockBinderWebsocketEchoesArguments(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "hello/echo",
			Data: json.RawMessage(`{"x":1,"y":[2,3]}`)})
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyOK, reply.Type)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"success"},"response":{"x":1,"y":[2,3]}}`,
			string(reply.Data))
	})
}

func TestMockBinderWebsocketIgnoresMalformedFrames(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`this is not a frame`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[99,"?"]`)))

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "hello/ping"})
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyOK, reply.Type)
		assert.Equal(t, "1", reply.ID)
	})
}

func TestMockBinderDistinguishesUnknownAPIFromUnknownVerb(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "nosuch/ping"})
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyError, reply.Type)
		var envelope afbws.ReplyEnvelope
		require.NoError(t, json.Unmarshal(reply.Data, &envelope))
		assert.Equal(t, "unknown-api", envelope.Request.Status)

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "2", Name: "hello/nosuch"})
		reply = readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyError, reply.Type)
		require.NoError(t, json.Unmarshal(reply.Data, &envelope))
		assert.Equal(t, "unknown-verb", envelope.Request.Status)
	})
}

func TestMockBinderMonitorGetDescribesRegisteredVerbs(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "monitor/get"})
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyOK, reply.Type)
		var envelope afbws.ReplyEnvelope
		require.NoError(t, json.Unmarshal(reply.Data, &envelope))
		assert.JSONEq(t,
			`{"apis":{"hello":{"ping":{},"echo":{},"fail":{}},"monitor":{"get":{}}}}`,
			string(envelope.Response))
	})
}

func TestMockBinderRESTCall(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		resp, err := http.Get(server.URL + "/api/hello/ping")
		require.NoError(t, err)
		body := readBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"success"},"response":"Pong!"}`, body)

		resp, err = http.Get(server.URL + "/api/hello/echo?args=" + url.QueryEscape(`{"x":1}`))
		require.NoError(t, err)
		body = readBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"success"},"response":{"x":1}}`, body)

		resp, err = http.Post(server.URL+"/api/hello/echo", "application/json", strings.NewReader(`[1,2,3]`))
		require.NoError(t, err)
		body = readBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"success"},"response":[1,2,3]}`, body)
	})
}

func TestMockBinderRESTCallErrors(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		resp, err := http.Get(server.URL + "/api/nosuch/ping")
		require.NoError(t, err)
		body := readBody(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"unknown-api","info":"api \"nosuch\" not found"}}`, body)

		resp, err = http.Get(server.URL + "/api/hello/nosuch")
		require.NoError(t, err)
		body = readBody(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"unknown-verb","info":"verb \"hello/nosuch\" not found"}}`, body)

		resp, err = http.Get(server.URL + "/api/hello/fail")
		require.NoError(t, err)
		body = readBody(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.JSONEq(t, `{"jtype":"afb-reply","request":{"status":"failed","info":"always fails","code":7}}`, body)
	})
}

func TestMockBinderBroadcastsEventsToAllSessions(t *testing.T) {
	b := newTestBinder()
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn1 := connectWebsocket(t, server)
		defer conn1.Close()
		conn2 := connectWebsocket(t, server)
		defer conn2.Close()

		// A call round trip on each session guarantees the server has
		// registered it before the event is pushed.
		for i, conn := range []*websocket.Conn{conn1, conn2} {
			sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "hello/ping"})
			frame := readFrame(t, conn)
			require.Equal(t, afbws.FrameReplyOK, frame.Type, "session %d", i)
		}

		b.Emit("hello", "tick", map[string]int{"n": 1})

		for i, conn := range []*websocket.Conn{conn1, conn2} {
			frame := readFrame(t, conn)
			assert.Equal(t, afbws.FrameEvent, frame.Type, "session %d", i)
			assert.Equal(t, "hello/tick", frame.Name, "session %d", i)
			assert.JSONEq(t, `{"jtype":"afb-event","event":"hello/tick","data":{"n":1}}`,
				string(frame.Data), "session %d", i)
		}
	})
}

func TestMockBinderVerbHandlerMayEmit(t *testing.T) {
	b := newTestBinder()
	b.AddVerb("hello", "notify", func(args json.RawMessage) (interface{}, *VerbError) {
		b.Emit("hello", "notified", nil)
		return "done", nil
	})
	httphelpers.WithServer(b, func(server *httptest.Server) {
		conn := connectWebsocket(t, server)
		defer conn.Close()

		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "1", Name: "hello/ping"})
		readFrame(t, conn)

		// The event is pushed from inside the handler, so it arrives before
		// the reply.
		sendFrame(t, conn, afbws.Frame{Type: afbws.FrameCall, ID: "2", Name: "hello/notify"})
		event := readFrame(t, conn)
		assert.Equal(t, afbws.FrameEvent, event.Type)
		assert.Equal(t, "hello/notified", event.Name)
		reply := readFrame(t, conn)
		assert.Equal(t, afbws.FrameReplyOK, reply.Type)
		assert.Equal(t, "2", reply.ID)
	})
}

func readBody(t *testing.T, resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}
