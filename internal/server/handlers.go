package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"roomchat/internal/presence"
	"roomchat/internal/session"
	"roomchat/internal/storage"
)

type parsers struct {
	joinPool    fastjson.ParserPool
	sessionPool fastjson.ParserPool
	sendPool    fastjson.ParserPool
	typingPool  fastjson.ParserPool
	roomPool    fastjson.ParserPool
	searchPool  fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	registry *session.Registry
	store    *storage.Store
	parsers  parsers
}

// fieldError is a client mistake in the request body, reported as 400 with its text
type fieldError string

func (e fieldError) Error() string { return string(e) }

// stringField retrieves string field name from v
func stringField(v *fastjson.Value, name string, allowEmpty bool) (string, error) {
	if !v.Exists(name) {
		return "", fieldError(`Missing Field "` + name + `"`)
	}

	fv := v.Get(name)
	if fv.Type() != fastjson.TypeString {
		return "", fieldError(`Field "` + name + `" must be a string`)
	}

	s := string(fv.GetStringBytes())
	if len(s) == 0 && !allowEmpty {
		return "", fieldError(`Field "` + name + `" must have non-zero length`)
	}
	return s, nil
}

// userField retrieves {id, name, avatar?} object field name from v
func userField(v *fastjson.Value, name string) (presence.User, error) {
	if !v.Exists(name) {
		return presence.User{}, fieldError(`Missing Field "` + name + `"`)
	}

	uv := v.Get(name)
	if uv.Type() != fastjson.TypeObject {
		return presence.User{}, fieldError(`Field "` + name + `" must be an object`)
	}

	id, err := stringField(uv, "id", false)
	if err != nil {
		return presence.User{}, err
	}

	userName, err := stringField(uv, "name", false)
	if err != nil {
		return presence.User{}, err
	}

	var avatar string
	if uv.Exists("avatar") {
		if avatar, err = stringField(uv, "avatar", true); err != nil {
			return presence.User{}, err
		}
	}

	return presence.User{ID: id, Name: userName, Avatar: avatar}, nil
}

// parse reads the body validated by enforcePOSTJSON with a parser taken from pool
// and passes the parsed value to f while the parser is still owned
func parse(pool *fastjson.ParserPool, r *http.Request, f func(v *fastjson.Value) error) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	parser := pool.Get()
	defer pool.Put(parser)

	v, err := parser.ParseBytes(body)
	if err != nil {
		return fieldError("Malformed JSON")
	}

	if v.Type() != fastjson.TypeObject {
		return fieldError("Body must be a JSON object")
	}

	return f(v)
}

// badRequest reports err as 400 if it is a client mistake and as 500 otherwise
func (h *handler) badRequest(w http.ResponseWriter, err error) {
	var fe fieldError
	switch {
	case errors.As(err, &fe):
		http.Error(w, fe.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrSessionNotExist):
		http.Error(w, "Session does not exist", http.StatusBadRequest)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) respond(w http.ResponseWriter, status int, payload []byte) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func (h *handler) respondJSON(w http.ResponseWriter, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.respond(w, http.StatusOK, payload)
}

// join handles HTTP requests on "/sessions/join" endpoint
func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	var (
		roomID string
		user   presence.User
	)

	err := parse(&h.parsers.joinPool, r, func(v *fastjson.Value) (err error) {
		if roomID, err = stringField(v, "room", false); err != nil {
			return err
		}
		user, err = userField(v, "user")
		return err
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	s := h.registry.Open(r.Context(), roomID, user)

	h.respond(w, http.StatusCreated, []byte(`{"session":`+strconv.Quote(s.ID())+`}`))
}

// sessionFromBody resolves the "session" field of the body
func (h *handler) sessionFromBody(v *fastjson.Value) (*session.Session, error) {
	id, err := stringField(v, "session", false)
	if err != nil {
		return nil, err
	}
	return h.registry.Get(id)
}

// leave handles HTTP requests on "/sessions/leave" endpoint
func (h *handler) leave(w http.ResponseWriter, r *http.Request) {
	err := parse(&h.parsers.sessionPool, r, func(v *fastjson.Value) error {
		id, err := stringField(v, "session", false)
		if err != nil {
			return err
		}
		return h.registry.Close(id)
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.respond(w, http.StatusNoContent, nil)
}

// sendMessage handles HTTP requests on "/messages/send" endpoint
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var (
		s    *session.Session
		text string
	)

	err := parse(&h.parsers.sendPool, r, func(v *fastjson.Value) (err error) {
		if s, err = h.sessionFromBody(v); err != nil {
			return err
		}
		text, err = stringField(v, "text", true)
		return err
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	sent := s.SendMessage(r.Context(), text)

	h.respond(w, http.StatusOK, []byte(`{"sent":`+strconv.FormatBool(sent)+`}`))
}

// typing handles HTTP requests on "/typing" endpoint
func (h *handler) typing(w http.ResponseWriter, r *http.Request) {
	var (
		s        *session.Session
		isTyping bool
	)

	err := parse(&h.parsers.typingPool, r, func(v *fastjson.Value) (err error) {
		if s, err = h.sessionFromBody(v); err != nil {
			return err
		}

		if !v.Exists("typing") {
			return fieldError(`Missing Field "typing"`)
		}
		if isTyping, err = v.Get("typing").Bool(); err != nil {
			return fieldError(`Field "typing" must be a boolean`)
		}
		return nil
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	s.SetTyping(r.Context(), isTyping)

	h.respond(w, http.StatusNoContent, nil)
}

// presence handles HTTP requests on "/presence/get" endpoint
func (h *handler) presence(w http.ResponseWriter, r *http.Request) {
	var s *session.Session

	err := parse(&h.parsers.sessionPool, r, func(v *fastjson.Value) (err error) {
		s, err = h.sessionFromBody(v)
		return err
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.respondJSON(w, struct {
		Online []presence.User `json:"online"`
		Typing []string        `json:"typing"`
	}{
		Online: s.OnlineUsers(),
		Typing: s.TypingUsers(),
	})
}

// roomFromBody parses the body and returns its "room" field
func (h *handler) roomFromBody(r *http.Request) (string, error) {
	var roomID string
	err := parse(&h.parsers.roomPool, r, func(v *fastjson.Value) (err error) {
		roomID, err = stringField(v, "room", false)
		return err
	})
	return roomID, err
}

// messages handles HTTP requests on "/messages/get" endpoint
func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.roomFromBody(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.respondJSON(w, h.store.Messages(r.Context(), roomID))
}

// search handles HTTP requests on "/messages/search" endpoint
func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	var roomID, query string

	err := parse(&h.parsers.searchPool, r, func(v *fastjson.Value) (err error) {
		if roomID, err = stringField(v, "room", false); err != nil {
			return err
		}
		query, err = stringField(v, "query", true)
		return err
	})
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.respondJSON(w, h.store.SearchMessages(r.Context(), roomID, query))
}

// stats handles HTTP requests on "/messages/stats" endpoint
func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.roomFromBody(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.respondJSON(w, h.store.MessageStats(r.Context(), roomID))
}

// clear handles HTTP requests on "/messages/clear" endpoint
func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.roomFromBody(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	h.registry.ClearRoom(r.Context(), roomID)

	h.respond(w, http.StatusNoContent, nil)
}

// room handles HTTP requests on "/rooms/get" endpoint
func (h *handler) room(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.roomFromBody(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	room, ok := h.store.Room(r.Context(), roomID)
	if !ok {
		http.Error(w, "Room does not exist", http.StatusBadRequest)
		return
	}

	h.respondJSON(w, room)
}
