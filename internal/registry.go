package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// 房間代碼使用去混淆字母表：
// 排除 0/O/1/I 這類肉眼難辨的字元，方便口頭或投影轉述。
// 長度 32 剛好整除 256，取模不會產生偏差。
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength     = 4                // 基本代碼長度
	maxCodeRetries = 16               // 同一長度下的碰撞重試上限
	sweepInterval  = 1 * time.Second  // 過期掃描間隔
	roomRetention  = 10 * time.Minute // ended 房間的保留時間，之後回收
)

// Registry 房間註冊表
//
// 行程範圍內唯一的代碼 -> 房間對應，沒有任何持久化。
// 以建構子注入而非套件層級單例，測試時可以起多個互不干擾的實例。
//
// 代碼產生與寫入在同一臨界區內完成，
// 兩個並發的 Create 不可能拿到同一個代碼。
type Registry struct {
	rooms  map[string]*Room
	mu     sync.RWMutex
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry 建立房間註冊表並啟動過期掃描
func NewRegistry(logger *slog.Logger) *Registry {
	reg := &Registry{
		rooms:  make(map[string]*Room),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	reg.wg.Add(1)
	go reg.sweepLoop()

	return reg
}

// Create 建立新房間
//
// 代碼碰撞時重新產生；同一長度重試若干次仍碰撞就把長度加一，
// 避免在極端擁擠時陷入無上限的重試迴圈。
func (reg *Registry) Create() *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code := ""
	for length := codeLength; code == ""; length++ {
		for range maxCodeRetries {
			candidate := randomCode(length)
			if _, taken := reg.rooms[candidate]; !taken {
				code = candidate
				break
			}
		}
	}

	room := NewRoom(code)
	reg.rooms[code] = room

	reg.logger.Info("房間已建立",
		"code", code,
		"ends_at", room.EndsAt)

	return room
}

// Lookup 以代碼查詢房間（大小寫不敏感）
func (reg *Registry) Lookup(code string) (*Room, error) {
	reg.mu.RLock()
	room, exists := reg.rooms[strings.ToUpper(code)]
	reg.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("房間不存在: %s", code)
	}
	return room, nil
}

// sweepLoop 定期掃描
func (reg *Registry) sweepLoop() {
	defer reg.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.Sweep()
		case <-reg.stopCh:
			return
		}
	}
}

// Sweep 執行一輪掃描（公開供測試直接觸發）
//
// 兩件事：
//  1. 結束所有 EndsAt 已過的 active 房間（廣播終態）
//  2. 回收 ended 超過保留時間且無人連接的房間
//
// 結束轉換與投票路徑的懶惰過期共用 Room.End，彼此冪等。
func (reg *Registry) Sweep() {
	now := time.Now()

	reg.mu.RLock()
	candidates := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		candidates = append(candidates, room)
	}
	reg.mu.RUnlock()

	var evict []string
	for _, room := range candidates {
		// 只有真的發生轉換才記日誌，已結束的房間每輪掃描都會路過這裡
		if room.Expired(now) && room.End() {
			reg.logger.Info("房間已到期結束", "code", room.Code)
		}
		if room.Evictable(now, roomRetention) {
			evict = append(evict, room.Code)
		}
	}

	if len(evict) == 0 {
		return
	}

	reg.mu.Lock()
	for _, code := range evict {
		delete(reg.rooms, code)
	}
	reg.mu.Unlock()

	reg.logger.Info("已回收過期房間", "count", len(evict))
}

// Stats 統計資訊
func (reg *Registry) Stats() map[string]any {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	active, ended, members, votes := 0, 0, 0, 0
	for _, room := range reg.rooms {
		room.Mu.RLock()
		if room.Status == StatusActive {
			active++
		} else {
			ended++
		}
		members += len(room.Members)
		votes += len(room.Votes)
		room.Mu.RUnlock()
	}

	return map[string]any{
		"total_rooms":   len(reg.rooms),
		"active_rooms":  active,
		"ended_rooms":   ended,
		"total_members": members,
		"total_votes":   votes,
	}
}

// Stop 停止註冊表
//
// 停掉掃描 goroutine 後把所有還在進行的投票收尾（廣播終態）。
func (reg *Registry) Stop() {
	close(reg.stopCh)
	reg.wg.Wait()

	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		room.End()
	}

	reg.logger.Info("房間註冊表已停止")
}

// randomCode 產生指定長度的隨機房間代碼
func randomCode(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		// 隨機來源失敗時退回時間戳導出，極少發生
		for i := range b {
			b[i] = codeAlphabet[int(time.Now().UnixNano()>>uint(i*5))%len(codeAlphabet)]
		}
		return string(b)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
