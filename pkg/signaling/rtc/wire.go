package rtc

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types exchanged on the /sip websocket.
const (
	msgInvite = "invite"
	msgAnswer = "answer"
	msgReject = "reject"
	msgCancel = "cancel"
	msgBye    = "bye"
)

// message is one signaling frame. A websocket carries exactly one dialog:
// the caller opens it with an invite and either side ends it with bye.
type message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	SDP    string `json:"sdp,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const writeTimeout = 5 * time.Second

// wire is a websocket with one reader goroutine that dispatches frames to
// handlers which can be swapped as the dialog progresses.
type wire struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu        sync.Mutex
	onMessage func(message)
	onClose   func(error)
}

func newWire(conn *websocket.Conn) *wire {
	return &wire{conn: conn}
}

func (w *wire) setHandlers(onMessage func(message), onClose func(error)) {
	w.mu.Lock()
	w.onMessage, w.onClose = onMessage, onClose
	w.mu.Unlock()
}

func (w *wire) send(m message) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(m)
}

// run reads until the connection fails, then calls onClose once.
func (w *wire) run() {
	for {
		var m message
		if err := w.conn.ReadJSON(&m); err != nil {
			w.mu.Lock()
			fn := w.onClose
			w.mu.Unlock()
			if fn != nil {
				fn(err)
			}
			return
		}
		w.mu.Lock()
		fn := w.onMessage
		w.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	}
}

func (w *wire) close() error {
	w.wmu.Lock()
	w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.wmu.Unlock()
	return w.conn.Close()
}
