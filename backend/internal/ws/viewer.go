package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 视图连接的 upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

const viewerWriteTimeout = 5 * time.Second

// Viewer 一个浏览器标签页订阅某个编辑区域的事件流
type Viewer struct {
	ws        *websocket.Conn
	hub       *Hub
	surfaceID string
	userID    uint64
	send      chan any
	closeOnce sync.Once
	done      chan struct{}
}

func (v *Viewer) Enqueue(event any) {
	select {
	case <-v.done:
	case v.send <- event:
	default:
		// 队列满了，丢弃
	}
}

func (v *Viewer) Close() {
	v.closeOnce.Do(func() {
		close(v.done)
		_ = v.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "surface closed"), time.Now().Add(time.Second))
		_ = v.ws.Close()
	})
}

// ServeViewer 升级连接并阻塞到连接断开。initial 在加入房间之前先发出，
// 保证视图拿到的第一条是当前快照
func ServeViewer(w http.ResponseWriter, r *http.Request, hub *Hub, surfaceID string, userID uint64, initial ...any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, r.Header.Get("Origin"))
		return
	}
	v := &Viewer{
		ws:        conn,
		hub:       hub,
		surfaceID: surfaceID,
		userID:    userID,
		send:      make(chan any, 64),
		done:      make(chan struct{}),
	}
	for _, evt := range initial {
		v.send <- evt
	}
	hub.Join(surfaceID, v)
	defer hub.Leave(surfaceID, v)
	defer v.Close()

	go v.writeLoop()
	v.readLoop()
}

// readLoop 视图是只读的，读循环只用来发现断开
func (v *Viewer) readLoop() {
	for {
		if _, _, err := v.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("viewer read error (user=%d, surface=%s): %v", v.userID, v.surfaceID, err)
			}
			return
		}
	}
}

func (v *Viewer) writeLoop() {
	for {
		select {
		case <-v.done:
			return
		case evt := <-v.send:
			_ = v.ws.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
			if err := v.ws.WriteJSON(evt); err != nil {
				v.Close()
				return
			}
		}
	}
}
