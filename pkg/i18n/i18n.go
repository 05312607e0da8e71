package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings. Status* strings end up in liveness
// records, so operators read them in their own language.
type Messages struct {
	// System
	Starting            string
	ConfigLoaded        string
	UsingDBPath         string
	ServerListening     string
	GRPCHealthListening string
	ShuttingDown        string
	DryRunMode          string
	ConfigLoadFailed    string
	DBInitFailed        string
	DBMigrationsFailed  string
	APIServerError      string
	AccountsSynced      string
	AccountsSyncFailed  string
	DedupePrimed        string
	RestartRequested    string

	// Session
	StatusSessionActive   string
	StatusSessionRestored string
	StatusLoginFailed     string
	StatusSessionStale    string
	StatusSessionClosed   string
	StatusAccountDisabled string

	// Execution
	StatusOrderConfirmed   string
	StatusOrderRejected    string
	StatusOrderTimedOut    string
	StatusOrderDriverError string

	// Recovery
	StatusRecovering        string
	StatusRecovered         string
	StatusRecoveryExhausted string
	StatusSupervisorPoll    string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:            "Starting execution core...",
	ConfigLoaded:        "Config loaded (Port: %s)",
	UsingDBPath:         "Using DB path: %s",
	ServerListening:     "Server listening on :%s",
	GRPCHealthListening: "gRPC health listening on %s",
	ShuttingDown:        "Shutting down gracefully...",
	DryRunMode:          "Running in DRY-RUN mode (simulated venue, no browser)",
	ConfigLoadFailed:    "Failed to load config: %v",
	DBInitFailed:        "Failed to init database: %v",
	DBMigrationsFailed:  "Failed to apply migrations: %v",
	APIServerError:      "API server error: %v",
	AccountsSynced:      "%d accounts synced from %s",
	AccountsSyncFailed:  "Account sync failed: %v",
	DedupePrimed:        "Dedupe cache primed with %d recent results",
	RestartRequested:    "Process restart requested: %s",

	StatusSessionActive:   "session active (login)",
	StatusSessionRestored: "session active (restored profile)",
	StatusLoginFailed:     "login failed after %d attempts",
	StatusSessionStale:    "session stale: %s",
	StatusSessionClosed:   "session closed",
	StatusAccountDisabled: "account disabled: %s",

	StatusOrderConfirmed:   "order %s confirmed",
	StatusOrderRejected:    "order %s rejected: %s",
	StatusOrderTimedOut:    "order %s confirmation timed out",
	StatusOrderDriverError: "order %s driver error: %s",

	StatusRecovering:        "recovering: %s",
	StatusRecovered:         "recovered after %d attempt(s)",
	StatusRecoveryExhausted: "recovery exhausted, operator required: %s",
	StatusSupervisorPoll:    "poll ok: %d sessions, %d unhealthy",
}

// Chinese messages
var messagesZH = Messages{
	Starting:            "執行核心啟動中...",
	ConfigLoaded:        "設定已載入 (埠: %s)",
	UsingDBPath:         "資料庫路徑: %s",
	ServerListening:     "服務監聽於 :%s",
	GRPCHealthListening: "gRPC 健康檢查監聽於 %s",
	ShuttingDown:        "正在安全關閉...",
	DryRunMode:          "模擬模式運行中 (模擬交易介面，不啟動瀏覽器)",
	ConfigLoadFailed:    "設定載入失敗: %v",
	DBInitFailed:        "資料庫初始化失敗: %v",
	DBMigrationsFailed:  "資料庫遷移失敗: %v",
	APIServerError:      "API 服務錯誤: %v",
	AccountsSynced:      "已從 %[2]s 同步 %[1]d 個帳戶",
	AccountsSyncFailed:  "帳戶同步失敗: %v",
	DedupePrimed:        "去重快取已載入 %d 筆近期結果",
	RestartRequested:    "請求重新啟動程序: %s",

	StatusSessionActive:   "會話有效 (已登入)",
	StatusSessionRestored: "會話有效 (已還原設定檔)",
	StatusLoginFailed:     "登入失敗，已嘗試 %d 次",
	StatusSessionStale:    "會話過期: %s",
	StatusSessionClosed:   "會話已關閉",
	StatusAccountDisabled: "帳戶已停用: %s",

	StatusOrderConfirmed:   "訂單 %s 已確認",
	StatusOrderRejected:    "訂單 %s 被拒絕: %s",
	StatusOrderTimedOut:    "訂單 %s 確認逾時",
	StatusOrderDriverError: "訂單 %s 驅動錯誤: %s",

	StatusRecovering:        "恢復中: %s",
	StatusRecovered:         "已恢復 (嘗試 %d 次)",
	StatusRecoveryExhausted: "恢復失敗，需人工處理: %s",
	StatusSupervisorPoll:    "巡檢正常: %d 個會話, %d 個異常",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
