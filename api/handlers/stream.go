package handlers

import (
	"context"
	"iter"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/livehead/api"
	"github.com/BaSui01/livehead/session"
	"github.com/BaSui01/livehead/types"
)

// SessionService 推流控制面依赖的会话操作，由 *session.Manager 实现
type SessionService interface {
	StartSession(ctx context.Context, req session.Request) (*session.Session, error)
	StopSession(ctx context.Context, id string) (session.Summary, error)
	ListSessions() iter.Seq[session.Summary]
	Lookup(ctx context.Context, id string) (session.Summary, error)
	History() session.History
}

// =============================================================================
// 🎬 推流控制 Handler
// =============================================================================

// StreamHandler 推流会话的启动、停止与查询
type StreamHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

// NewStreamHandler 创建推流控制处理器
func NewStreamHandler(sessions SessionService, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		sessions: sessions,
		logger:   logger.With(zap.String("handler", "stream")),
	}
}

// Register 注册路由
func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /start_stream/{stream_id}", h.HandleStart)
	mux.HandleFunc("DELETE /stop_stream/{stream_id}", h.HandleStop)
	mux.HandleFunc("GET /streams", h.HandleList)
	mux.HandleFunc("GET /streams/history", h.HandleHistory)
	mux.HandleFunc("GET /streams/{stream_id}", h.HandleGet)
}

// HandleStart 处理 POST /start_stream/{stream_id}
// @Summary 启动推流
// @Tags 推流
// @Accept json
// @Produce json
// @Param stream_id path string true "推流 id"
// @Param request body api.StartStreamRequest true "启动参数"
// @Success 201 {object} Response "会话摘要"
// @Failure 400 {object} Response "请求无效或源图不可读"
// @Failure 409 {object} Response "id 已在运行"
// @Failure 502 {object} Response "流水线启动失败"
// @Failure 503 {object} Response "会话数已达上限"
// @Router /start_stream/{stream_id} [post]
func (h *StreamHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")

	var body api.StartStreamRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if body.SourcePath == "" || body.RTMPURL == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"source_path and rtmp_url are required", h.logger)
		return
	}

	s, err := h.sessions.StartSession(r.Context(), session.Request{
		ID:         id,
		Kind:       session.KindRTMP,
		SourcePath: body.SourcePath,
		RTMPURL:    body.RTMPURL,
		AudioPath:  body.AudioPath,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("stream started", zap.String("stream_id", id), zap.String("rtmp_url", body.RTMPURL))
	WriteStatus(w, r, http.StatusCreated, s.Summary())
}

// HandleStop 处理 DELETE /stop_stream/{stream_id}
// @Summary 停止推流
// @Tags 推流
// @Produce json
// @Param stream_id path string true "推流 id"
// @Success 200 {object} Response "终态摘要"
// @Failure 404 {object} Response "推流不存在"
// @Router /stop_stream/{stream_id} [delete]
func (h *StreamHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")

	sum, err := h.sessions.StopSession(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("stream stopped",
		zap.String("stream_id", id),
		zap.String("state", string(sum.State)),
		zap.Uint64("delivered", sum.Delivered),
	)
	WriteSuccess(w, r, sum)
}

// HandleList 处理 GET /streams
// @Summary 运行中的推流
// @Tags 推流
// @Produce json
// @Success 200 {object} api.StreamListResponse
// @Router /streams [get]
func (h *StreamHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := api.StreamListResponse{
		Streams:       []session.Summary{},
		ActiveStreams: []string{},
	}
	for sum := range h.sessions.ListSessions() {
		resp.Streams = append(resp.Streams, sum)
		resp.ActiveStreams = append(resp.ActiveStreams, sum.ID)
	}
	resp.Count = len(resp.Streams)
	WriteSuccess(w, r, resp)
}

// HandleGet 处理 GET /streams/{stream_id}
// @Summary 推流详情
// @Description 运行中返回实时快照；已结束返回最近一次终态摘要（含失败原因）
// @Tags 推流
// @Produce json
// @Param stream_id path string true "推流 id"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /streams/{stream_id} [get]
func (h *StreamHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sessions.Lookup(r.Context(), r.PathValue("stream_id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, sum)
}

// HandleHistory 处理 GET /streams/history?limit=n
// @Summary 最近结束的推流
// @Tags 推流
// @Produce json
// @Param limit query int false "返回条数，默认 20，最大 256"
// @Success 200 {object} api.StreamHistoryResponse
// @Router /streams/history [get]
func (h *StreamHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, 256)
	}

	hist := h.sessions.History()
	recent, err := hist.Recent(r.Context(), limit)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrServiceUnavailable, "session history unavailable").
			WithRetryable(true).WithCause(err), h.logger)
		return
	}
	if recent == nil {
		recent = []session.Summary{}
	}
	WriteSuccess(w, r, api.StreamHistoryResponse{
		Streams: recent,
		Count:   len(recent),
		Backend: hist.Name(),
	})
}
