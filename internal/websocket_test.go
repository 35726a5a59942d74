package internal_test

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/pollroom/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer 起一個完整的服務器（註冊表 + Hub + /ws 路由）
func newTestServer(t *testing.T) (*internal.Registry, *internal.Hub, *httptest.Server) {
	t.Helper()

	logger := testLogger()
	registry := internal.NewRegistry(logger)
	hub := internal.NewHub(registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		registry.Stop()
	})

	return registry, hub, server
}

// dial 建立一條測試用的 WebSocket 連接
func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readEvent 讀取下一則事件
func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// assertNoEvent 斷言一小段時間內沒有任何事件到達
//
// 讀取超時後 gorilla 連接不能再讀，只能當成某條連接的最後一步使用。
func assertNoEvent(t *testing.T, ws *websocket.Conn) {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg map[string]any
	err := ws.ReadJSON(&msg)
	require.Error(t, err, "不應收到事件，卻收到了: %v", msg)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

// state 取出事件中的房間快照
func state(t *testing.T, msg map[string]any) map[string]any {
	t.Helper()

	snap, ok := msg["state"].(map[string]any)
	require.True(t, ok, "事件缺少 state 欄位: %v", msg)
	return snap
}

// TestProtocol_CreateAndVote 走完「建房 → 加入 → 投票 → 重複投票」的主流程
func TestProtocol_CreateAndVote(t *testing.T) {
	_, _, server := newTestServer(t)

	// Alice 建房
	alice := dial(t, server)
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))

	welcome := readEvent(t, alice)
	assert.Equal(t, "welcome", welcome["type"])
	you := welcome["you"].(map[string]any)
	assert.Equal(t, "Alice", you["name"])

	snap := state(t, welcome)
	assert.Equal(t, "Cats vs Dogs", snap["question"])
	assert.Equal(t, []any{"Cats", "Dogs"}, snap["options"])
	assert.Equal(t, []any{float64(0), float64(0)}, snap["counts"])
	assert.Empty(t, snap["voters"])
	assert.Equal(t, "active", snap["status"])

	code, ok := snap["code"].(string)
	require.True(t, ok)
	assert.Len(t, code, 4)

	// 廣播不做個別定制：建房者也會收到自己的 peer-join
	peerJoin := readEvent(t, alice)
	assert.Equal(t, "peer-join", peerJoin["type"])
	assert.Equal(t, "Alice", peerJoin["name"])

	// Bob 用小寫代碼加入（查詢大小寫不敏感）
	bob := dial(t, server)
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "hello", "intent": "join",
		"roomCode": strings.ToLower(code), "name": "Bob",
	}))

	bobWelcome := readEvent(t, bob)
	assert.Equal(t, "welcome", bobWelcome["type"])
	assert.Equal(t, code, state(t, bobWelcome)["code"])

	bobJoin := readEvent(t, bob)
	assert.Equal(t, "peer-join", bobJoin["type"])
	assert.Equal(t, "Bob", bobJoin["name"])

	aliceSeesBob := readEvent(t, alice)
	assert.Equal(t, "peer-join", aliceSeesBob["type"])
	assert.Equal(t, "Bob", aliceSeesBob["name"])

	// Alice 投第一個選項，雙方都收到一致的新狀態
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "vote", "choice": 0}))

	for _, ws := range []*websocket.Conn{alice, bob} {
		update := readEvent(t, ws)
		assert.Equal(t, "state", update["type"])
		snap := state(t, update)
		assert.Equal(t, []any{float64(1), float64(0)}, snap["counts"])
		assert.Equal(t, []any{"Alice"}, snap["voters"])
	}

	// Alice 再投一次被擋下，票數不變
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "vote", "choice": 1}))

	voteErr := readEvent(t, alice)
	assert.Equal(t, "error", voteErr["type"])
	assert.Equal(t, "You already voted", voteErr["message"])

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "get_state"}))
	current := readEvent(t, alice)
	assert.Equal(t, "state", current["type"])
	assert.Equal(t, []any{float64(1), float64(0)}, state(t, current)["counts"])
}

// TestProtocol_Expiry 超時結束：掃描廣播終態，之後的票被拒絕
func TestProtocol_Expiry(t *testing.T) {
	registry, _, server := newTestServer(t)

	alice := dial(t, server)
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	welcome := readEvent(t, alice)
	code := state(t, welcome)["code"].(string)
	readEvent(t, alice) // peer-join Alice

	bob := dial(t, server)
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "hello", "intent": "join", "roomCode": code, "name": "Bob",
	}))
	readEvent(t, bob)   // welcome
	readEvent(t, bob)   // peer-join Bob
	readEvent(t, alice) // peer-join Bob

	// 模擬到期並觸發掃描
	room, err := registry.Lookup(code)
	require.NoError(t, err)
	room.Mu.Lock()
	room.EndsAt = time.Now().Add(-time.Second)
	room.Mu.Unlock()

	registry.Sweep()

	for _, ws := range []*websocket.Conn{alice, bob} {
		final := readEvent(t, ws)
		assert.Equal(t, "state", final["type"])
		assert.Equal(t, "ended", state(t, final)["status"])
	}

	// 結束後投票被拒絕
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "vote", "choice": 1}))
	rejected := readEvent(t, bob)
	assert.Equal(t, "error", rejected["type"])
	assert.Equal(t, "Voting has ended", rejected["message"])

	// 轉換是冪等的：再掃一輪不會有第二次終態廣播
	registry.Sweep()
	assertNoEvent(t, alice)
}

// TestProtocol_Rejections 各種驗證失敗的回覆
func TestProtocol_Rejections(t *testing.T) {
	tests := []struct {
		name            string
		payload         any
		raw             string
		expectedMessage string
	}{
		{
			name:            "join unknown room",
			payload:         map[string]any{"type": "hello", "intent": "join", "roomCode": "ZZZZ", "name": "Alice"},
			expectedMessage: "Room not found",
		},
		{
			name:            "empty name",
			payload:         map[string]any{"type": "hello", "intent": "create", "name": "   "},
			expectedMessage: "Name is required",
		},
		{
			name:            "unknown intent",
			payload:         map[string]any{"type": "hello", "intent": "spectate", "name": "Alice"},
			expectedMessage: "Unknown intent",
		},
		{
			name:            "vote before joining",
			payload:         map[string]any{"type": "vote", "choice": 0},
			expectedMessage: "Join a room first",
		},
		{
			name:            "unknown message type",
			payload:         map[string]any{"type": "dance"},
			expectedMessage: "Unknown type: dance",
		},
		{
			name:            "undecodable payload",
			raw:             "not json at all",
			expectedMessage: "Bad message",
		},
		{
			name:            "non-string type",
			raw:             `{"type": 42}`,
			expectedMessage: "Bad message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, server := newTestServer(t)
			ws := dial(t, server)

			if tt.raw != "" {
				require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			} else {
				require.NoError(t, ws.WriteJSON(tt.payload))
			}

			reply := readEvent(t, ws)
			assert.Equal(t, "error", reply["type"])
			assert.Equal(t, tt.expectedMessage, reply["message"])
		})
	}
}

// TestProtocol_InvalidChoice 非法選項：非整數與範圍外都被拒絕
func TestProtocol_InvalidChoice(t *testing.T) {
	_, _, server := newTestServer(t)

	ws := dial(t, server)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	readEvent(t, ws) // welcome
	readEvent(t, ws) // peer-join

	for _, choice := range []any{2, -1, 0.5, "0", nil} {
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "vote", "choice": choice}))
		reply := readEvent(t, ws)
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "Invalid choice", reply["message"], "choice=%v", choice)
	}
}

// TestProtocol_NameRules 名稱規則：投過票的名稱永久封存，在線名稱即時互斥
func TestProtocol_NameRules(t *testing.T) {
	_, hub, server := newTestServer(t)

	alice := dial(t, server)
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	welcome := readEvent(t, alice)
	code := state(t, welcome)["code"].(string)
	readEvent(t, alice) // peer-join
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "vote", "choice": 0}))
	readEvent(t, alice) // state

	t.Run("concurrent duplicate name rejected", func(t *testing.T) {
		intruder := dial(t, server)
		require.NoError(t, intruder.WriteJSON(map[string]any{
			"type": "hello", "intent": "join", "roomCode": code, "name": "Alice",
		}))
		reply := readEvent(t, intruder)
		assert.Equal(t, "error", reply["type"])
		// 已投票檢查先於在線重名檢查
		assert.Equal(t, "Name already voted in this room", reply["message"])
	})

	t.Run("unvoted name in use", func(t *testing.T) {
		bob := dial(t, server)
		require.NoError(t, bob.WriteJSON(map[string]any{
			"type": "hello", "intent": "join", "roomCode": code, "name": "Bob",
		}))
		readEvent(t, bob) // welcome

		shadow := dial(t, server)
		require.NoError(t, shadow.WriteJSON(map[string]any{
			"type": "hello", "intent": "join", "roomCode": code, "name": "Bob",
		}))
		reply := readEvent(t, shadow)
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "Name already in use", reply["message"])

		// Bob 斷線後名稱釋出，可重新綁定（沒投過票）
		bob.Close()
		require.Eventually(t, func() bool {
			return hub.ConnCount() == 3 // alice + intruder + shadow
		}, 2*time.Second, 10*time.Millisecond)

		rejoin := dial(t, server)
		require.NoError(t, rejoin.WriteJSON(map[string]any{
			"type": "hello", "intent": "join", "roomCode": code, "name": "Bob",
		}))
		assert.Equal(t, "welcome", readEvent(t, rejoin)["type"])
	})

	t.Run("voted name blocked across connections", func(t *testing.T) {
		alice.Close()
		require.Eventually(t, func() bool {
			return hub.ConnCount() == 3 // intruder + shadow + rejoin
		}, 2*time.Second, 10*time.Millisecond)

		comeback := dial(t, server)
		require.NoError(t, comeback.WriteJSON(map[string]any{
			"type": "hello", "intent": "join", "roomCode": code, "name": "Alice",
		}))
		reply := readEvent(t, comeback)
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "Name already voted in this room", reply["message"])
	})
}

// TestProtocol_PeerLeave 斷線後其餘成員收到 peer-leave
func TestProtocol_PeerLeave(t *testing.T) {
	_, _, server := newTestServer(t)

	alice := dial(t, server)
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	welcome := readEvent(t, alice)
	code := state(t, welcome)["code"].(string)
	readEvent(t, alice) // peer-join Alice

	bob := dial(t, server)
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "hello", "intent": "join", "roomCode": code, "name": "Bob",
	}))
	readEvent(t, bob)   // welcome
	readEvent(t, alice) // peer-join Bob

	bob.Close()

	left := readEvent(t, alice)
	assert.Equal(t, "peer-leave", left["type"])
	assert.Equal(t, "Bob", left["name"])
}

// TestProtocol_GetStateUnbound 未綁定房間的 get_state 是靜默無操作
func TestProtocol_GetStateUnbound(t *testing.T) {
	_, _, server := newTestServer(t)

	ws := dial(t, server)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "get_state"}))
	assertNoEvent(t, ws)
}

// TestHub_PingSweep liveness 掃描：漏回一輪 ping 的連接被強制回收
func TestHub_PingSweep(t *testing.T) {
	_, hub, server := newTestServer(t)

	ws := dial(t, server)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	readEvent(t, ws) // welcome
	readEvent(t, ws) // peer-join
	assert.Equal(t, 1, hub.ConnCount())

	// 客戶端之後不再讀取，也就永遠不會回 pong。
	// 第一輪清旗標並發 ping，第二輪觀察到漏回就強制關閉。
	hub.PingSweep()
	hub.PingSweep()

	require.Eventually(t, func() bool {
		return hub.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHub_PingSweepKeepsResponsive 會回 pong 的連接不受掃描影響
func TestHub_PingSweepKeepsResponsive(t *testing.T) {
	_, hub, server := newTestServer(t)

	ws := dial(t, server)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "hello", "intent": "create", "name": "Alice",
	}))
	readEvent(t, ws) // welcome
	readEvent(t, ws) // peer-join

	// 持續讀取讓 gorilla 的預設 ping 處理器自動回 pong
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hub.PingSweep()
	time.Sleep(500 * time.Millisecond) // 留時間給 pong 往返
	hub.PingSweep()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, hub.ConnCount())
}

// TestHub_StopDuringTraffic 關閉 Hub 時仍有連接在高頻收發
//
// 關閉流程會關掉每條連接的發送通道，而讀取迴圈此刻可能正在
// 處理訊息並直接回覆。這個測試讓多條連接持續送出會觸發直接
// 回覆的訊息（get_state 與非法的 vote），同時呼叫 Stop，
// 驗證兩者交錯不會讓回覆寫進已關閉的通道。
func TestHub_StopDuringTraffic(t *testing.T) {
	logger := testLogger()
	registry := internal.NewRegistry(logger)
	t.Cleanup(registry.Stop)

	hub := internal.NewHub(registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	const clients = 8

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		ws := dial(t, server)
		require.NoError(t, ws.WriteJSON(map[string]any{
			"type": "hello", "intent": "create", "name": fmt.Sprintf("user-%d", i),
		}))
		readEvent(t, ws) // welcome
		readEvent(t, ws) // peer-join

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := ws.WriteJSON(map[string]any{"type": "get_state"}); err != nil {
					return
				}
				// 超出範圍的選項會觸發伺服器的直接錯誤回覆
				if err := ws.WriteJSON(map[string]any{"type": "vote", "choice": 5}); err != nil {
					return
				}
			}
		}()

		// 持續排空回覆，讓伺服器端的寫入不會被緩衝區擋住
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond) // 讓流量先跑起來
	hub.Stop()

	wg.Wait()
	assert.Equal(t, 0, hub.ConnCount())
}
