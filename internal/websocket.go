package internal

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何在單一 /ws 端點上承載所有房間的連接，並及時回收死連接？
//
// 核心挑戰：
//   1. 連接管理：連接先建立，之後才透過 hello 訊息選房
//   2. 心跳機制：客戶端異常斷線（網路故障、瀏覽器崩潰）時服務器無法察覺
//   3. 並發寫入：廣播、直接回覆、ping 可能來自不同 goroutine
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理所有連接（房間綁定是連接自己的會話狀態）
//   ✅ alive 旗標掃描 - 每 15 秒清旗標並發 ping，漏回一輪就強制斷線
//   ✅ 緩衝 channel + 單一 writePump - 資料幀只有一個寫入者
//   ✅ WriteControl - 控制幀（ping）可以安全地從掃描 goroutine 發出

const (
	pingInterval = 15 * time.Second // liveness 掃描間隔
	pongWait     = 60 * time.Second // 讀取超時（後備保險，掃描才是主要回收路徑）
	writeWait    = 10 * time.Second // 單次寫入超時
	sendBuffer   = 64               // 每連接的發送緩衝
)

// Hub WebSocket 連接中心
//
// 與房間註冊表不同，Hub 只認得「連接」：
// 連接屬於哪個房間是 Conn 自己的會話狀態，由協議層在 hello 時綁定。
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	conns  map[*Conn]struct{}
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Conn 一條 WebSocket 連接與其會話狀態
//
// 會話欄位（room、name）在第一次成功 hello 時一起設定。
// alive 由 pong 處理器設真、由 liveness 掃描設假，
// 一整輪掃描都沒有 pong 回來的連接會被強制關閉。
type Conn struct {
	ID   string // 只用於日誌
	ws   *websocket.Conn
	Send chan []byte
	hub  *Hub

	mu     sync.Mutex
	room   *Room
	name   string
	alive  bool
	closed bool // Send 已關閉，之後的入隊都是無操作

	closeOnce sync.Once
}

// NewHub 建立 Hub 並啟動 liveness 掃描
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	hub := &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 搭配 CORS 全開的開發預設；上線應檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:  make(map[*Conn]struct{}),
		stopCh: make(chan struct{}),
	}

	hub.wg.Add(1)
	go hub.livenessLoop()

	return hub
}

// ServeWS 處理 WebSocket 升級
//
// 沒有任何路徑參數：選房在連上之後用 hello 訊息完成。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Conn{
		ID:    uuid.NewString(),
		ws:    ws,
		Send:  make(chan []byte, sendBuffer),
		hub:   hub,
		alive: true,
	}

	hub.mu.Lock()
	hub.conns[c] = struct{}{}
	hub.mu.Unlock()

	go c.writePump()
	go c.readPump()

	hub.logger.Info("連接已建立", "conn_id", c.ID)
}

// livenessLoop 定期執行 liveness 掃描
func (hub *Hub) livenessLoop() {
	defer hub.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hub.PingSweep()
		case <-hub.stopCh:
			return
		}
	}
}

// PingSweep 執行一輪 liveness 掃描（公開供測試直接觸發）
//
// 上一輪 ping 沒有回應的連接直接強制關閉（觸發 readPump 收尾），
// 其餘連接清掉 alive 旗標再發一個 ping。
// 也就是說一條死連接最多撐一個掃描週期（約 15 秒）就會被回收。
func (hub *Hub) PingSweep() {
	hub.mu.Lock()
	conns := make([]*Conn, 0, len(hub.conns))
	for c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		if !c.swapAlive(false) {
			hub.logger.Info("連接未回應 ping，強制關閉", "conn_id", c.ID)
			c.ws.Close()
			continue
		}
		// WriteControl 與 writePump 並發安全（gorilla 保證）
		_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}
}

// teardown 連接收尾
//
// 從 Hub 與房間成員中移除、廣播 peer-leave、關閉發送通道。
// 收尾可能與這條連接自己的訊息處理並發
//（例如優雅關閉時 readPump 還在回覆中），
// 所以關閉 Send 與設定 closed 旗標在同一臨界區內完成，
// enqueue 依同一把鎖檢查旗標，不會往已關閉的通道發送。
func (hub *Hub) teardown(c *Conn) {
	hub.mu.Lock()
	delete(hub.conns, c)
	hub.mu.Unlock()

	room, _ := c.session()
	if room != nil {
		if name, ok := room.Leave(c); ok {
			room.Broadcast("peer-leave", map[string]any{"name": name})
			hub.logger.Info("成員離開房間",
				"conn_id", c.ID,
				"code", room.Code,
				"name", name)
		}
	}

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.Send)
		c.mu.Unlock()
	})
	c.ws.Close()
}

// ConnCount 取得目前連接數
func (hub *Hub) ConnCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.conns)
}

// Stop 停止 Hub 並收尾所有連接
func (hub *Hub) Stop() {
	close(hub.stopCh)
	hub.wg.Wait()

	hub.mu.Lock()
	conns := make([]*Conn, 0, len(hub.conns))
	for c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		hub.teardown(c)
	}

	hub.logger.Info("WebSocket Hub 已停止")
}

// readPump 讀取客戶端訊息
//
// 讀取超時是掃描機制之外的後備保險：
// pong 處理器每次收到回應就順延期限，正常連接不會觸發。
func (c *Conn) readPump() {
	defer c.hub.teardown(c)

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.setAlive(true)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"conn_id", c.ID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(data)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 資料幀的唯一寫入者。Send 被關閉代表連接已收尾，
// 嘗試送出正常關閉幀後退出。
func (c *Conn) writePump() {
	defer c.ws.Close()

	for data := range c.Send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue 非阻塞入隊
//
// 盡力而為：緩衝滿（慢消費者）就丟棄，不回報錯誤也不重試。
// 消費者若真的死了，liveness 掃描會在一個週期內回收連接。
//
// 旗標檢查與發送持有同一把鎖：teardown 設定 closed 之後
// 不可能再有入隊正在進行，關閉通道是安全的。
func (c *Conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// send 序列化事件並回覆給這條連接
func (c *Conn) send(event string, payload map[string]any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// sendError 回覆錯誤訊息
func (c *Conn) sendError(message string) {
	c.send("error", map[string]any{"message": message})
}

// session 取得會話狀態
func (c *Conn) session() (*Room, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.name
}

// bind 綁定會話狀態（房間與名稱一起設定）
func (c *Conn) bind(room *Room, name string) {
	c.mu.Lock()
	c.room = room
	c.name = name
	c.mu.Unlock()
}

// setAlive 設定 alive 旗標
func (c *Conn) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

// swapAlive 設定 alive 旗標並回傳舊值
func (c *Conn) swapAlive(v bool) bool {
	c.mu.Lock()
	old := c.alive
	c.alive = v
	c.mu.Unlock()
	return old
}
