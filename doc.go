// Package pollroom 提供了一個限時單題即時投票的房間服務器。
//
// 參與者透過單一 WebSocket 端點連線，以短代碼建立或加入共享房間，
// 每人投一票，並即時收到票數變化，直到投票因超時結束。
//
// 房間管理
//
// 提供完整的房間生命週期：
//   - 以 4 字元去混淆代碼建立房間
//   - 成員加入與離開（peer-join / peer-leave 事件）
//   - active → ended 的單向終態轉換
//   - 到期房間的定時回收
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 選房透過 hello 訊息完成，端點本身不分房
//   - 每次記票後向全房廣播完整快照
//   - Ping/Pong 心跳掃描，漏回一輪即回收連接
//   - 非阻塞發送，慢消費者不會拖累整個房間
//
// 併發安全設計
//
// 採用了每房間互斥的並發模型：
//   - 對同一房間的變更（記票、轉換、成員增減）在同一臨界區內完成
//   - 記票與廣播對所有讀者而言是一個不可分割的單位
//   - 不同房間完全獨立，可並行處理
//   - 代碼產生與註冊同步，杜絕代碼碰撞
//
// 使用範例
//
// 啟動服務器：
//
//	registry := internal.NewRegistry(logger)
//	hub := internal.NewHub(registry, logger)
//	handler := internal.NewHandler(registry, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("/ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":4000", mux))
//
// 客戶端連接：
//
//	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:4000/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ws.Close()
//	ws.WriteJSON(map[string]any{"type": "hello", "intent": "create", "name": "Alice"})
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Handler 層：行程層級的 HTTP 管線（健康檢查、統計）
//   - Registry 層：代碼到房間的行程內對應與過期掃描
//   - WebSocket 層：連接會話、liveness 掃描、訊息分派
//   - Room 層：封裝投票業務邏輯與廣播
//
// 配置選項
//
// 支援多種運行時配置：
//   - -port：服務監聽端口（預設 4000，可由 PORT 環境變數覆蓋）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//
// 明確不做的事
//
// 本套件刻意保持行程生命週期範圍：
//   - 不持久化：行程重啟即丟失所有房間
//   - 不水平擴展：單行程內存註冊表，無跨行程廣播
//   - 不做身份驗證：每房間的顯示名稱就是唯一身份
package pollroom
