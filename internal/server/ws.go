package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// WebSocket live 스트림
//
// /ws 로 연결한 구독자에게 record_committed / alert_raised
// 이벤트를 push 한다. 전달 보장은 hub 와 동일하게 at-most-once —
// 느린 구독자는 자기 버퍼 안에서만 이벤트를 잃는다.
// ------------------------------------------------------------

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 대시보드가 별도 origin 에서 붙는 구조라 origin 검사는
	// 앞단(reverse proxy)에서 처리한다.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWS 는 연결을 websocket 으로 올리고 hub 구독을 연결한다.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade 실패")
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	defer conn.Close()

	// 클라이언트 발신은 제어 프레임(close/pong)만 처리한다.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// hub 종료 — 정상 close 통보 후 끝낸다.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
