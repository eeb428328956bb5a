// Package audit appends membership events to a JSON-lines file.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

const (
	KindStart        = "server_started"
	KindJoinAccepted = "join_accepted"
	KindJoinRejected = "join_rejected"
	KindLeave        = "leave"
	KindDisconnect   = "disconnect"
	KindKick         = "kick"
	KindShutdown     = "shutdown"
	KindBoardSaved   = "board_saved"
	KindBoardLoaded  = "board_loaded"
)

type Event struct {
	TsMS   int64          `json:"ts_ms"`
	Actor  string         `json:"actor"`
	Name   string         `json:"name,omitempty"`
	Remote string         `json:"remote,omitempty"`
	Kind   string         `json:"kind"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Logger is safe for concurrent use. A nil *Logger discards events.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open appends to path. An empty path yields a nil logger.
func Open(path string) (*Logger, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f}, nil
}

func (a *Logger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.file.Close()
	a.file = nil
	return err
}

func (a *Logger) Log(event Event) {
	if a == nil {
		return
	}
	if event.TsMS == 0 {
		event.TsMS = time.Now().UnixMilli()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(append(line, '\n'))
}
