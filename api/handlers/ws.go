package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// =============================================================================
// 📡 运行事件 WebSocket 推送
// =============================================================================

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadLimit   = 4096
	wsEventBuffer = 128
)

// 客户端消息类型
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
)

// 服务端控制消息类型（事件本身沿用 runs.Event 的 status/node/log）
const (
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgError        = "error"
)

// ClientMessage 客户端发来的订阅消息
type ClientMessage struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

// ControlMessage 服务端的订阅确认或错误
type ControlMessage struct {
	Type  string         `json:"type"`
	RunID string         `json:"runId,omitempty"`
	Run   *runs.Snapshot `json:"run,omitempty"`
	Error string         `json:"error,omitempty"`
}

// FeedHandler 处理 /api/v1/runs/ws。
// 只向客户端推送其已订阅运行的事件，慢客户端的溢出事件被丢弃。
type FeedHandler struct {
	registry       *runs.Registry
	verifier       *TokenVerifier
	logger         *zap.Logger
	originPatterns []string
	pingPeriod     time.Duration
	pongWait       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// FeedOption 配置 FeedHandler
type FeedOption func(*FeedHandler)

// WithOriginPatterns 允许的跨域来源（见 websocket.AcceptOptions）
func WithOriginPatterns(patterns ...string) FeedOption {
	return func(h *FeedHandler) { h.originPatterns = patterns }
}

// WithKeepalive 覆盖心跳间隔与 pong 等待时间
func WithKeepalive(pingPeriod, pongWait time.Duration) FeedOption {
	return func(h *FeedHandler) {
		h.pingPeriod = pingPeriod
		h.pongWait = pongWait
	}
}

// NewFeedHandler 创建 FeedHandler；verifier 未启用时不校验 token
func NewFeedHandler(registry *runs.Registry, verifier *TokenVerifier, logger *zap.Logger, opts ...FeedOption) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &FeedHandler{
		registry:   registry,
		verifier:   verifier,
		logger:     logger.With(zap.String("handler", "run_feed")),
		pingPeriod: wsPingPeriod,
		pongWait:   wsPongWait,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close 断开所有连接并等待其退出
func (h *FeedHandler) Close() {
	h.cancel()
	h.wg.Wait()
}

// HandleWS 校验 ?token= 后升级为 websocket
// @Summary 运行事件推送
// @Tags runs
// @Param token query string false "HS256 JWT"
// @Router /api/v1/runs/ws [get]
func (h *FeedHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.verifier.Enabled() {
		if _, err := h.verifier.Verify(r.URL.Query().Get("token")); err != nil {
			h.logger.Debug("websocket token rejected", zap.Error(err))
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or missing token", h.logger)
			return
		}
	}
	if h.ctx.Err() != nil || h.registry.Broadcaster() == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrInternalError, "event feed is shutting down", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	h.wg.Add(1)
	defer h.wg.Done()

	c := &feedClient{
		h:    h,
		conn: conn,
		runs: make(map[string]struct{}),
	}
	c.sub = h.registry.Broadcaster().Subscribe(wsEventBuffer, c.subscribed)
	c.run(h.ctx)
}

type feedClient struct {
	h    *FeedHandler
	conn *websocket.Conn
	sub  *runs.Subscription

	mu   sync.RWMutex
	runs map[string]struct{}
}

func (c *feedClient) subscribed(ev runs.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.runs[ev.RunID]
	return ok
}

func (c *feedClient) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.sub.Close()
	defer c.conn.CloseNow()

	go c.readLoop(ctx, cancel)
	go c.pingLoop(ctx, cancel)

	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				_ = c.conn.Close(websocket.StatusGoingAway, "event feed closed")
				return
			}
			if err := c.write(ctx, ev); err != nil {
				c.h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *feedClient) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.write(ctx, ControlMessage{Type: MsgError, Error: "invalid message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *feedClient) handle(ctx context.Context, msg ClientMessage) {
	if msg.RunID == "" && (msg.Type == MsgSubscribe || msg.Type == MsgUnsubscribe) {
		_ = c.write(ctx, ControlMessage{Type: MsgError, Error: "runId is required"})
		return
	}
	switch msg.Type {
	case MsgSubscribe:
		snap, err := c.h.registry.Get(ctx, msg.RunID)
		if err != nil {
			_ = c.write(ctx, ControlMessage{Type: MsgError, RunID: msg.RunID, Error: types.AsError(err).Message})
			return
		}
		c.mu.Lock()
		c.runs[msg.RunID] = struct{}{}
		c.mu.Unlock()
		// 携带当前快照，晚到的订阅者也能看到终态
		snap.Logs = nil
		_ = c.write(ctx, ControlMessage{Type: MsgSubscribed, RunID: msg.RunID, Run: snap})
	case MsgUnsubscribe:
		c.mu.Lock()
		delete(c.runs, msg.RunID)
		c.mu.Unlock()
		_ = c.write(ctx, ControlMessage{Type: MsgUnsubscribed, RunID: msg.RunID})
	default:
		_ = c.write(ctx, ControlMessage{Type: MsgError, Error: "unknown message type " + msg.Type})
	}
}

func (c *feedClient) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, c.h.pongWait)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				c.h.logger.Debug("websocket ping failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

// write 可被多个 goroutine 并发调用，websocket.Conn 的写操作是并发安全的
func (c *feedClient) write(ctx context.Context, v any) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	return wsjson.Write(wctx, c.conn, v)
}
