package docs

import (
	"encoding/json"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ArrHarper/harpMCP"
)

// ClientLog streams log records to connected MCP clients as notifications/message. It
// implements mcp.LogHandler. Records below the level chosen by the client with
// logging/setLevel are dropped, and so are records that arrive while the stream buffer
// is full.
type ClientLog struct {
	logger string
	level  atomic.Int32

	logs      chan mcp.LogParams
	done      chan struct{}
	closeOnce sync.Once
}

// NewClientLog creates a ClientLog whose records are attributed to logger. The initial
// level is info.
func NewClientLog(logger string) *ClientLog {
	l := &ClientLog{
		logger: logger,
		logs:   make(chan mcp.LogParams, 32),
		done:   make(chan struct{}),
	}
	l.level.Store(int32(mcp.LogLevelInfo))
	return l
}

// LogStreams implements mcp.LogHandler interface.
func (l *ClientLog) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-l.done:
				return
			case params := <-l.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler interface.
func (l *ClientLog) SetLogLevel(level mcp.LogLevel) {
	l.level.Store(int32(level))
}

// Level returns the current minimum level.
func (l *ClientLog) Level() mcp.LogLevel {
	return mcp.LogLevel(l.level.Load())
}

// Log queues a record for the clients.
func (l *ClientLog) Log(level mcp.LogLevel, msg string, fields map[string]string) {
	if l == nil || level < l.Level() {
		return
	}

	type logData struct {
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	}
	dataBs, _ := json.Marshal(logData{Message: msg, Fields: fields})

	select {
	case l.logs <- mcp.LogParams{Level: level, Logger: l.logger, Data: dataBs}:
	case <-l.done:
	default:
	}
}

// Close ends the stream returned by LogStreams.
func (l *ClientLog) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
