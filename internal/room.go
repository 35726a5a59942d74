package internal

import (
	"encoding/json"
	"sync"
	"time"
)

// 系統設計問題：
//   如何讓一群同時在線的參與者，在限時的單題投票中即時看到票數變化？
//
// 核心挑戰：
//   1. 狀態管理：房間只有兩個狀態（active → ended），但轉換有兩條觸發路徑
//   2. 並發控制：多個連接同時投票、加入、離開同一個房間
//   3. 一致性：votes 與 counts 必須永遠吻合（sum(counts) == len(votes)）
//   4. 即時廣播：每次變更需要立即推送給房間內所有連接
//
// 設計方案：
//   ✅ 冪等轉換 - 定時掃描與懶惰過期共用同一個 End()
//   ✅ RWMutex - 記票與廣播在同一臨界區內完成（外界看到的是一個單位）
//   ✅ 一次序列化 - 廣播前只 marshal 一次，所有連接收到相同位元組
//   ✅ 非阻塞發送 - 慢連接不會拖住整個房間

// RoomStatus 房間狀態
//
// 狀態機非常簡單，但轉換是單向且終態的：
//
//	active → ended
//
// 一旦 ended 就永遠不會回到 active，也不會有第二次終態廣播。
type RoomStatus string

const (
	StatusActive RoomStatus = "active" // 投票進行中
	StatusEnded  RoomStatus = "ended"  // 投票已結束（終態）
)

// 本範圍內題目與選項是固定常數（不支援出題）
const (
	Question     = "Cats vs Dogs"
	VoteDuration = 60 * time.Second
)

// Options 投票選項（固定兩個）
var Options = []string{"Cats", "Dogs"}

// Snapshot 房間快照（對外的線上格式）
//
// voters 暴露所有已投票者的名稱給房間內每個成員，
// 客戶端用它做「我投過了嗎」的判斷。隱私上值得商榷，
// 但為了與現有客戶端相容一併保留。
type Snapshot struct {
	Code     string     `json:"code"`
	Question string     `json:"question"`
	Options  []string   `json:"options"`
	Counts   []int      `json:"counts"`
	Voters   []string   `json:"voters"`
	EndsAt   int64      `json:"endsAt"` // epoch 毫秒
	Status   RoomStatus `json:"status"`
}

// Room 投票房間
//
// 系統設計考量：
//
//  1. 並發控制（RWMutex）：
//     所有對同一房間的變更（記票、狀態轉換、成員增減）都在寫鎖內完成，
//     而且廣播的序列化與入隊也在同一臨界區內。
//     這保證了「記票 + 廣播」對所有讀者而言是一個不可分割的單位，
//     不會出現票數與廣播內容交錯的情況。
//
//  2. 衍生不變式（Counts）：
//     Counts 不是獨立可設定的欄位，每個元素恆等於
//     Votes 中選了該選項的名稱數量。只有 RecordVote 會同時更新兩者。
//
//  3. 成員與票的生命週期分離：
//     離開房間只移除 Members，票永遠留在 Votes 裡。
//     名稱一旦投過票，換一條新連接重新加入也不能再投。
type Room struct {
	Code      string
	Question  string
	Options   []string
	CreatedAt time.Time
	EndsAt    time.Time
	Votes     map[string]int // 名稱 -> 選項索引
	Counts    []int
	Status    RoomStatus
	Members   map[*Conn]string // 連接 -> 綁定名稱

	Mu sync.RWMutex
}

// NewRoom 建立新房間
func NewRoom(code string) *Room {
	now := time.Now()
	return &Room{
		Code:      code,
		Question:  Question,
		Options:   Options,
		CreatedAt: now,
		EndsAt:    now.Add(VoteDuration),
		Votes:     make(map[string]int),
		Counts:    make([]int, len(Options)),
		Status:    StatusActive,
		Members:   make(map[*Conn]string),
	}
}

// Join 以指定名稱將連接綁定進房間
//
// 名稱檢查與成員登記必須在同一臨界區內完成，
// 否則兩條同名連接可以同時通過檢查。
//
// 檢查順序固定：先擋「已投過票的名稱」，再擋「在線重名」。
func (r *Room) Join(c *Conn, name string) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if _, voted := r.Votes[name]; voted {
		return ErrNameVoted
	}
	for _, existing := range r.Members {
		if existing == name {
			return ErrNameInUse
		}
	}

	r.Members[c] = name
	return nil
}

// Leave 將連接移出房間，回傳其綁定名稱
//
// 票不會跟著離開：名稱留在 Votes 裡，永遠不能再投。
func (r *Room) Leave(c *Conn) (string, bool) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	name, ok := r.Members[c]
	if !ok {
		return "", false
	}
	delete(r.Members, c)
	return name, true
}

// RecordVote 記票並廣播最新狀態
//
// 呼叫端（協議層）已依序完成「已綁定」與「過期」檢查，
// 這裡只負責「選項範圍 → 重複投票」與實際記票。
func (r *Room) RecordVote(name string, choice int) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if choice < 0 || choice >= len(r.Options) {
		return ErrInvalidChoice
	}
	if _, voted := r.Votes[name]; voted {
		return ErrAlreadyVoted
	}

	r.Votes[name] = choice
	r.Counts[choice]++

	r.broadcastLocked("state", map[string]any{"state": r.snapshotLocked()})
	return nil
}

// End 執行 active → ended 轉換
//
// 這是唯一的結束路徑：定時掃描與投票時的懶惰過期都呼叫這裡。
// 轉換是冪等的——已經 ended 的房間再呼叫是無操作，
// 不會重複廣播終態。回傳是否真的發生了轉換。
func (r *Room) End() bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if r.Status != StatusActive {
		return false
	}
	r.Status = StatusEnded

	r.broadcastLocked("state", map[string]any{"state": r.snapshotLocked()})
	return true
}

// Expired 房間是否已過結束時間或已結束（唯讀觀察，不觸發轉換）
func (r *Room) Expired(now time.Time) bool {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.Status != StatusActive || !r.EndsAt.After(now)
}

// EndIfExpired 懶惰過期：觀察到過期就觸發同一個冪等轉換
//
// 權威的過期界線是牆上時鐘而不是掃描粒度——
// 在掃描觀察到過期之前送達的投票，處理時仍會在這裡被擋下。
func (r *Room) EndIfExpired(now time.Time) bool {
	if !r.Expired(now) {
		return false
	}
	r.End()
	return true
}

// Evictable 房間是否可以從註冊表移除
//
// ended 滿保留時間且沒有任何連接還掛在上面才回收。
func (r *Room) Evictable(now time.Time, retention time.Duration) bool {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.Status == StatusEnded &&
		len(r.Members) == 0 &&
		now.Sub(r.EndsAt) > retention
}

// Broadcast 向房間內所有成員廣播一個事件
func (r *Room) Broadcast(event string, payload map[string]any) {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	r.broadcastLocked(event, payload)
}

// broadcastLocked 廣播事件（需要持有鎖）
//
// 事件只序列化一次，每個成員收到完全相同的位元組。
// 發送是盡力而為：慢連接或已關閉的連接直接跳過，
// 死連接交給 liveness 掃描在一個週期內回收。
func (r *Room) broadcastLocked(event string, payload map[string]any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	for c := range r.Members {
		c.enqueue(data)
	}
}

// Snapshot 取得目前快照
func (r *Room) Snapshot() Snapshot {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked 組出快照（需要持有鎖）
func (r *Room) snapshotLocked() Snapshot {
	voters := make([]string, 0, len(r.Votes))
	for name := range r.Votes {
		voters = append(voters, name)
	}

	counts := make([]int, len(r.Counts))
	copy(counts, r.Counts)

	return Snapshot{
		Code:     r.Code,
		Question: r.Question,
		Options:  r.Options,
		Counts:   counts,
		Voters:   voters,
		EndsAt:   r.EndsAt.UnixMilli(),
		Status:   r.Status,
	}
}

// MemberCount 取得目前連接數
func (r *Room) MemberCount() int {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return len(r.Members)
}

// VoteCount 取得目前票數
func (r *Room) VoteCount() int {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return len(r.Votes)
}

// encodeEvent 組出事件信封 {type, ...payload} 並序列化
func encodeEvent(event string, payload map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(payload)+1)
	msg["type"] = event
	for k, v := range payload {
		msg[k] = v
	}
	return json.Marshal(msg)
}
