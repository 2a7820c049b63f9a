package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"roomchat/internal/delivery"
	"roomchat/internal/presence"
	"roomchat/internal/session"
	"roomchat/internal/storage"
	mytesting "roomchat/internal/testing"
)

type fixture struct {
	registry *session.Registry
	store    *storage.Store
	handler  http.Handler
}

func bootstrapServer(t *testing.T) *fixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	cfg := delivery.DefaultConfig()
	cfg.ReplyProbability = 0
	cfg.PeerTypingProbability = 0
	cfg.WelcomeProbability = 0

	sched := mytesting.NewManualScheduler(time.Date(2026, 10, 19, 13, 53, 0, 0, time.UTC))
	store := storage.NewStore(sugar, storage.NewMemoryBackend(), storage.WithClock(sched.Now))
	tracker := presence.NewTracker(sched.Now, 0)
	sim := delivery.NewSimulator(sugar, store, tracker,
		delivery.WithConfig(cfg),
		delivery.WithScheduler(sched),
		delivery.WithClock(sched.Now),
	)
	registry := session.NewRegistry(sugar, store, tracker, sim, sched, session.Config{})

	srv, err := NewServer(sugar, registry, store)
	require.NoError(t, err)

	t.Cleanup(registry.CloseAll)

	return &fixture{registry: registry, store: store, handler: srv.Handler()}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	req, err := http.NewRequest("POST", path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// join opens a session in roomID over HTTP and returns its id
func join(t *testing.T, h http.Handler, roomID string) string {
	rr := post(t, h, "/sessions/join", `{"room":"`+roomID+`","user":{"id":"user-1","name":"You"}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)

	id := string(v.GetStringBytes("session"))
	require.NotEmpty(t, id)
	return id
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePOSTJSON(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"room":"` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOSTJSON_NotPOST(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"room":"` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("GET", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"room":"` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePOSTJSON_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"room":"` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePOSTJSON_NoContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"room":"` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOSTJSON_NoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBuffer([]byte(`{"room":` + mytesting.RandRoomID() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestEnforcePOSTJSON_TooLarge(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBufferString(`{"text":"` + strings.Repeat("a", maxBodySize) + `"}`)
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestJoin(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()

	id := join(t, f.handler, roomID)

	s, err := f.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, roomID, s.RoomID())
	require.Equal(t, presence.User{ID: "user-1", Name: "You"}, s.User())
}

func TestJoinBadBody(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()

	cases := map[string]string{
		`{"user":{"id":"u","name":"n"}}`:           `Missing Field "room"`,
		`{"room":42,"user":{"id":"u","name":"n"}}`: `Field "room" must be a string`,
		`{"room":""}`:                                           `Field "room" must have non-zero length`,
		`{"room":"` + roomID + `"}`:                             `Missing Field "user"`,
		`{"room":"` + roomID + `","user":"u"}`:                  `Field "user" must be an object`,
		`{"room":"` + roomID + `","user":{"name":"n"}}`:         `Missing Field "id"`,
		`{"room":"` + roomID + `","user":{"id":"u","name":""}}`: `Field "name" must have non-zero length`,
		`["room"]`: "Body must be a JSON object",
	}

	for body, msg := range cases {
		rr := post(t, f.handler, "/sessions/join", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
		require.Equal(t, msg+"\n", rr.Body.String(), body)
	}

	require.Equal(t, 0, f.registry.Len())
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()
	id := join(t, f.handler, roomID)

	rr := post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"  hello  "}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"sent":true}`, rr.Body.String())

	rr = post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"   "}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"sent":false}`, rr.Body.String())

	rr = post(t, f.handler, "/messages/get", `{"room":"`+roomID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	messages, err := v.Array()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hello", string(messages[0].GetStringBytes("text")))
	require.Equal(t, "user-1", string(messages[0].GetStringBytes("sender")))
	require.Equal(t, roomID, string(messages[0].GetStringBytes("roomId")))
	require.Equal(t, "13:53", string(messages[0].GetStringBytes("timestamp")))
}

func TestSendMessageUnknownSession(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := post(t, f.handler, "/messages/send", `{"session":"`+mytesting.RandString()+`","text":"hello"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Session does not exist\n", rr.Body.String())
}

func TestMessagesEmptyRoom(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := post(t, f.handler, "/messages/get", `{"room":"`+mytesting.RandRoomID()+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "[]", rr.Body.String())
}

func TestTypingAndPresence(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	id := join(t, f.handler, mytesting.RandRoomID())

	rr := post(t, f.handler, "/typing", `{"session":"`+id+`","typing":true}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = post(t, f.handler, "/presence/get", `{"session":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)

	online := v.GetArray("online")
	require.Len(t, online, 2)
	require.Equal(t, "user-1", string(online[0].GetStringBytes("id")))
	require.True(t, online[0].GetBool("isOnline"))
	require.Equal(t, delivery.Peer.ID, string(online[1].GetStringBytes("id")))

	typing := v.GetArray("typing")
	require.Len(t, typing, 1)
	require.Equal(t, `"user-1"`, typing[0].String())

	rr = post(t, f.handler, "/typing", `{"session":"`+id+`","typing":false}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = post(t, f.handler, "/presence/get", `{"session":"`+id+`"}`)
	v, err = p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Empty(t, v.GetArray("typing"))
}

func TestTypingNotBool(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	id := join(t, f.handler, mytesting.RandRoomID())

	rr := post(t, f.handler, "/typing", `{"session":"`+id+`","typing":"yes"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, `Field "typing" must be a boolean`+"\n", rr.Body.String())
}

func TestSearchStatsClear(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()
	id := join(t, f.handler, roomID)

	post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"Ask the Director"}`)
	post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"Something else"}`)

	rr := post(t, f.handler, "/messages/search", `{"room":"`+roomID+`","query":"DIRECTOR"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	found, err := v.Array()
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Ask the Director", string(found[0].GetStringBytes("text")))

	rr = post(t, f.handler, "/messages/search", `{"room":"`+roomID+`","query":""}`)
	require.Equal(t, "[]", rr.Body.String())

	rr = post(t, f.handler, "/messages/stats", `{"room":"`+roomID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"total":2,"today":2,"thisWeek":2}`, rr.Body.String())

	rr = post(t, f.handler, "/messages/clear", `{"room":"`+roomID+`"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = post(t, f.handler, "/messages/stats", `{"room":"`+roomID+`"}`)
	require.JSONEq(t, `{"total":0,"today":0,"thisWeek":0}`, rr.Body.String())
}

func TestClearResetsOpenSessions(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()
	id := join(t, f.handler, roomID)

	post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"hello"}`)

	s, err := f.registry.Get(id)
	require.NoError(t, err)
	require.Len(t, s.Messages(), 1)

	rr := post(t, f.handler, "/messages/clear", `{"room":"`+roomID+`"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, s.Messages())
}

func TestRoomGet(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	roomID := mytesting.RandRoomID()
	id := join(t, f.handler, roomID)

	rr := post(t, f.handler, "/rooms/get", `{"room":"`+roomID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, roomID, string(v.GetStringBytes("id")))
	require.Equal(t, "General Chat", string(v.GetStringBytes("name")))
	require.False(t, v.Exists("lastMessage"))

	post(t, f.handler, "/messages/send", `{"session":"`+id+`","text":"hello"}`)

	rr = post(t, f.handler, "/rooms/get", `{"room":"`+roomID+`"}`)
	v, err = p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, "hello", string(v.GetStringBytes("lastMessage", "text")))

	rr = post(t, f.handler, "/rooms/get", `{"room":"`+mytesting.RandRoomID()+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Room does not exist\n", rr.Body.String())
}

func TestLeave(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	id := join(t, f.handler, mytesting.RandRoomID())

	rr := post(t, f.handler, "/sessions/leave", `{"session":"`+id+`"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 0, f.registry.Len())

	rr = post(t, f.handler, "/sessions/leave", `{"session":"`+id+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Session does not exist\n", rr.Body.String())
}

func TestEventsUnknownSession(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	req, err := http.NewRequest("GET", "/events?session="+mytesting.RandString(), nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Session does not exist\n", rr.Body.String())
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	roomID := mytesting.RandRoomID()
	id := join(t, f.handler, roomID)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var p fastjson.Parser

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	v, err := p.ParseBytes(data)
	require.NoError(t, err)
	require.Equal(t, delivery.EventUserJoined, string(v.GetStringBytes("type")))
	require.Equal(t, delivery.Peer.Name, string(v.GetStringBytes("payload", "name")))

	err = conn.WriteJSON(map[string]interface{}{
		"type":    delivery.EventSendMessage,
		"payload": map[string]string{"text": "over the socket"},
	})
	require.NoError(t, err)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	v, err = p.ParseBytes(data)
	require.NoError(t, err)
	require.Equal(t, delivery.EventNewMessage, string(v.GetStringBytes("type")))
	require.Equal(t, "over the socket", string(v.GetStringBytes("payload", "text")))
	require.Len(t, f.store.Messages(context.Background(), roomID), 1)

	require.NoError(t, f.registry.Close(id))

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
