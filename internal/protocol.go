package internal

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

// 客戶端可見的驗證錯誤。
// 這些字串就是線上協議的一部分，客戶端直接顯示，不要改寫。
var (
	ErrNameVoted     = errors.New("Name already voted in this room")
	ErrNameInUse     = errors.New("Name already in use")
	ErrInvalidChoice = errors.New("Invalid choice")
	ErrAlreadyVoted  = errors.New("You already voted")
)

// handleMessage 解碼並分派一則入站訊息
//
// 錯誤分級：
//   - 無法解碼或缺少 type 判別欄位 → 一律回覆泛用的 "Bad message"
//   - 驗證失敗 → 具體的人類可讀訊息，不改變任何狀態
//   - 未知的 type → 回覆時帶上原字串方便客戶端除錯
//
// 任何一種都不會斷開連接，也不會影響其他房間或連接。
func (c *Conn) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("Bad message")
		return
	}

	msgType, ok := msg["type"].(string)
	if !ok || msgType == "" {
		c.sendError("Bad message")
		return
	}

	switch msgType {
	case "hello":
		c.handleHello(msg)
	case "vote":
		c.handleVote(msg)
	case "get_state":
		c.handleGetState()
	default:
		c.sendError("Unknown type: " + msgType)
	}
}

// handleHello 建房或加入
//
// 檢查順序固定：名稱必填 → intent → 房間存在 →
// 名稱已投過票 → 名稱在線重名。第一個失敗的檢查決定回覆。
func (c *Conn) handleHello(msg map[string]any) {
	name, _ := msg["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		c.sendError("Name is required")
		return
	}

	intent, _ := msg["intent"].(string)

	var room *Room
	switch intent {
	case "create":
		room = c.hub.registry.Create()
	case "join":
		roomCode, _ := msg["roomCode"].(string)
		found, err := c.hub.registry.Lookup(roomCode)
		if err != nil {
			c.sendError("Room not found")
			return
		}
		room = found
	default:
		c.sendError("Unknown intent")
		return
	}

	if err := room.Join(c, name); err != nil {
		c.sendError(err.Error())
		return
	}

	// 同一條連接換房時先退出舊房間，不留下殘餘成員資格
	if prev, prevName := c.session(); prev != nil && prev != room {
		if _, ok := prev.Leave(c); ok {
			prev.Broadcast("peer-leave", map[string]any{"name": prevName})
		}
	}

	c.bind(room, name)

	c.send("welcome", map[string]any{
		"state": room.Snapshot(),
		"you":   map[string]any{"name": name},
	})
	room.Broadcast("peer-join", map[string]any{"name": name})

	c.hub.logger.Info("成員加入房間",
		"conn_id", c.ID,
		"code", room.Code,
		"name", name,
		"intent", intent)
}

// handleVote 投票
//
// 檢查順序固定：已綁定 → 過期 → 選項範圍 → 重複投票。
//
// 過期檢查兼具兩個職責：觀察到過期時先把房間轉成 ended
//（與定時掃描共用同一個冪等轉換，終態只廣播一次），
// 再拒絕這張票。這就是掃描間隙中的過期票被擋下的機制。
func (c *Conn) handleVote(msg map[string]any) {
	room, name := c.session()
	if room == nil || name == "" {
		c.sendError("Join a room first")
		return
	}

	if room.EndIfExpired(time.Now()) {
		c.sendError("Voting has ended")
		return
	}

	// JSON 數字一律解成 float64，非整數不是合法選項
	choice, ok := msg["choice"].(float64)
	if !ok || choice != math.Trunc(choice) {
		c.sendError(ErrInvalidChoice.Error())
		return
	}

	if err := room.RecordVote(name, int(choice)); err != nil {
		c.sendError(err.Error())
		return
	}

	c.hub.logger.Info("已記票",
		"conn_id", c.ID,
		"code", room.Code,
		"name", name,
		"choice", int(choice))
}

// handleGetState 回覆目前快照；尚未綁定房間時靜默忽略
func (c *Conn) handleGetState() {
	room, _ := c.session()
	if room == nil {
		return
	}
	c.send("state", map[string]any{"state": room.Snapshot()})
}
