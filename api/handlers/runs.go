package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/ctxkeys"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/artifacts"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// =============================================================================
// 🏃 Run Handler
// =============================================================================

// RunHandler 负责运行的创建、查询、取消与日志
type RunHandler struct {
	engine    *workflow.Engine
	registry  *runs.Registry
	artifacts *artifacts.Manager
	logger    *zap.Logger

	// 运行在后台执行，生命周期跟随服务而非请求
	baseCtx    context.Context
	runTimeout time.Duration
	wg         sync.WaitGroup
}

// StartRunRequest 创建运行的请求体
type StartRunRequest struct {
	Workflow      json.RawMessage `json:"workflow"`
	Variables     map[string]any  `json:"variables,omitempty"`
	Context       map[string]any  `json:"context,omitempty"`
	ErrorHandling string          `json:"errorHandling,omitempty"`
}

// StartRunResponse 创建运行的响应
type StartRunResponse struct {
	RunID      string             `json:"runId"`
	WorkflowID string             `json:"workflowId"`
	Status     workflow.RunStatus `json:"status"`
}

// NewRunHandler 创建 RunHandler。
// engine 必须以 registry 作为 RunObserver 构建；artifacts 可为 nil。
// baseCtx 被取消时所有后台运行收到取消请求。
func NewRunHandler(baseCtx context.Context, engine *workflow.Engine, registry *runs.Registry, store *artifacts.Manager, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		engine:    engine,
		registry:  registry,
		artifacts: store,
		logger:    logger.With(zap.String("handler", "runs")),
		baseCtx:   baseCtx,
	}
}

// SetRunTimeout 设置单次运行的最长时间，超时后运行被取消；0 表示不限制
func (h *RunHandler) SetRunTimeout(d time.Duration) {
	h.runTimeout = d
}

// Wait 等待所有后台运行结束
func (h *RunHandler) Wait() {
	h.wg.Wait()
}

// HandleStart 启动一次运行，立即返回 202 与 runId
// @Summary 启动运行
// @Tags runs
// @Accept json
// @Produce json
// @Success 202 {object} Response{data=StartRunResponse}
// @Failure 400 {object} Response "工作流校验失败"
// @Router /api/v1/runs [post]
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Workflow) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow is required", h.logger)
		return
	}
	g, err := workflow.FromJSON(req.Workflow)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	handling, err := workflow.ParseErrorHandling(req.ErrorHandling)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	rc, err := h.engine.Prepare(g, workflow.RunOptions{
		Variables:     req.Variables,
		Context:       req.Context,
		ErrorHandling: handling,
	})
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	ctx := ctxkeys.Detach(h.baseCtx, r.Context())
	cancel := context.CancelFunc(func() {})
	if h.runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		// 失败已经记录在运行状态中，这里只需记日志
		if _, err := h.engine.Execute(ctx, rc); err != nil {
			h.logger.Debug("run ended with error", zap.String("run_id", rc.ID), zap.Error(err))
		}
	}()

	h.logger.Info("run accepted",
		zap.String("run_id", rc.ID),
		zap.String("workflow_id", rc.WorkflowID),
		actorField(r),
	)
	WriteAccepted(w, StartRunResponse{RunID: rc.ID, WorkflowID: rc.WorkflowID, Status: workflow.RunPending})
}

// HandleList 分页列出运行，可按 status/workflowId 过滤
// @Router /api/v1/runs [get]
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runs.ListFilter{
		Status:     workflow.RunStatus(q.Get("status")),
		WorkflowID: q.Get("workflowId"),
	}
	WriteSuccess(w, h.registry.List(filter, queryInt(r, "page", 1), queryInt(r, "pageSize", 0)))
}

// HandleStats 按状态统计运行数量
// @Router /api/v1/runs/stats [get]
func (h *RunHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.Stats())
}

// HandleGet 查询单个运行
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleCancel 取消运行；已结束返回 409，未知返回 404
// @Router /api/v1/runs/{id}/cancel [post]
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Cancel(id); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("run cancel requested", zap.String("run_id", id), actorField(r))
	WriteSuccess(w, map[string]any{"runId": id, "status": workflow.RunCancelled})
}

// HandleLogs 分页查询运行日志，可按 level 过滤
// @Router /api/v1/runs/{id}/logs [get]
func (h *RunHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	page, err := h.registry.Logs(r.Context(), r.PathValue("id"),
		workflow.LogLevel(r.URL.Query().Get("level")),
		queryInt(r, "page", 1), queryInt(r, "pageSize", 0))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, page)
}

// HandleArtifacts 列出运行产生的制品
// @Router /api/v1/runs/{id}/artifacts [get]
func (h *RunHandler) HandleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	if h.artifacts == nil {
		WriteSuccess(w, []artifacts.Artifact{})
		return
	}
	WriteSuccess(w, h.artifacts.List(artifacts.Filter{
		RunID:  id,
		NodeID: r.URL.Query().Get("nodeId"),
		Type:   artifacts.Type(r.URL.Query().Get("type")),
	}))
}

// actorField 返回发起请求的认证主体，API Key 或未认证请求为 anonymous
func actorField(r *http.Request) zap.Field {
	user, ok := types.UserID(r.Context())
	if !ok {
		user = "anonymous"
	}
	return zap.String("actor", user)
}
