package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// MessageWriter 向实时通道写入 JSON 消息.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg Message) error
}

// WSConn 将 websocket 连接适配为 MessageWriter。
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWSConn 从已建立的 WebSocket 连接创建适配器。
func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_conn")),
	}
}

// WriteMessage 将消息序列化为 JSON 并以文本帧发送。
func (w *WSConn) WriteMessage(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("connection closed")
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Read 读取一条消息，返回消息类型与内容。
func (w *WSConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("websocket read: %w", err)
	}
	return typ, data, nil
}

// Close 以给定状态码关闭连接。幂等。
func (w *WSConn) Close(code websocket.StatusCode, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close(code, reason)
}
