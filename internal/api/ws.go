package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/imaginario/searchd/internal/notify"
)

// Message types exchanged over the notification socket. The client drives
// the connection from connected to authenticated to subscribed; job updates
// flow only after subscription.
const (
	msgAuthenticate  = "authenticate"
	msgAuthenticated = "authenticated"
	msgSubscribeJobs = "subscribe_jobs"
	msgSubscribed    = "subscribed"
	msgJobUpdate     = "job_update"
	msgError         = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JSONMessage is the wrapper for every frame on the notification socket.
// Type indicates how Data should be deserialized.
type JSONMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsAuthData struct {
	Token string `json:"token"`
}

func handleNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client.
			return
		}

		s := &wsSession{conn: conn, deps: deps}
		s.run()
	}
}

// wsSession tracks one notification connection through its auth and
// subscription state.
type wsSession struct {
	conn *websocket.Conn
	deps AppDeps

	writeMu sync.Mutex
	userID  string
	sub     *notify.Subscriber
}

func (s *wsSession) run() {
	defer s.conn.Close()
	defer func() {
		if s.sub != nil {
			s.deps.Hub.Unsubscribe(s.sub)
		}
	}()

	for {
		msg := JSONMessage{Data: &json.RawMessage{}}
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgAuthenticate:
			s.handleAuthenticate(msg)
		case msgSubscribeJobs:
			s.handleSubscribe()
		default:
			s.writeError("unknown_message_type", "unsupported message type: "+msg.Type)
		}
	}
}

func (s *wsSession) handleAuthenticate(msg JSONMessage) {
	var data wsAuthData
	if raw, ok := msg.Data.(*json.RawMessage); ok && raw != nil {
		if err := json.Unmarshal(*raw, &data); err != nil {
			s.writeError("invalid_message", "malformed authenticate payload")
			return
		}
	}

	uid, err := s.deps.Tokens.Verify(data.Token)
	if err != nil {
		s.writeError("invalid_token", "authentication failed")
		return
	}

	s.userID = uid
	s.write(JSONMessage{Type: msgAuthenticated, Data: map[string]string{"user_id": uid}})
}

func (s *wsSession) handleSubscribe() {
	if s.userID == "" {
		s.writeError("not_authenticated", "authenticate before subscribing")
		return
	}
	if s.sub != nil {
		s.write(JSONMessage{Type: msgSubscribed, Data: map[string]string{"user_id": s.userID}})
		return
	}
	s.sub = s.deps.Hub.Subscribe(s.userID)
	s.write(JSONMessage{Type: msgSubscribed, Data: map[string]string{"user_id": s.userID}})
	go s.forward(s.sub)
}

// forward pushes hub events to the client until the subscription closes.
func (s *wsSession) forward(sub *notify.Subscriber) {
	for ev := range sub.C() {
		if err := s.write(JSONMessage{Type: msgJobUpdate, Data: ev}); err != nil {
			return
		}
	}
}

func (s *wsSession) write(msg JSONMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *wsSession) writeError(code, message string) {
	s.write(JSONMessage{Type: msgError, Data: wsErrorData{Code: code, Message: message}})
}
