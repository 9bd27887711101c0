package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

// =============================================================================
// 🧭 Workflow Handler
// =============================================================================

// WorkflowHandler 工作流定义相关端点
type WorkflowHandler struct {
	logger *zap.Logger
}

// ValidateResponse 校验结果，合法时附带拓扑序与耗时估算
type ValidateResponse struct {
	workflow.ValidationResult
	Order               []string `json:"order,omitempty"`
	EstimatedDurationMs int64    `json:"estimatedDurationMs,omitempty"`
	Nodes               int      `json:"nodes"`
	Edges               int      `json:"edges"`
}

// NewWorkflowHandler 创建 WorkflowHandler
func NewWorkflowHandler(logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{logger: logger.With(zap.String("handler", "workflows"))}
}

// HandleValidate 校验工作流定义
// @Summary 校验工作流
// @Tags workflows
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=ValidateResponse}
// @Failure 400 {object} Response "请求体无法解析"
// @Router /api/v1/workflows/validate [post]
func (h *WorkflowHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "failed to read request body").WithCause(err), h.logger)
		return
	}
	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		WriteErr(w, workflow.NewValidationError("invalid workflow definition: "+err.Error()), h.logger)
		return
	}

	g := def.Graph()
	resp := ValidateResponse{
		ValidationResult: workflow.Validate(g),
		Nodes:            g.Len(),
		Edges:            len(g.Edges()),
	}
	if def.ID == "" {
		resp.Valid = false
		resp.Errors = append(resp.Errors, "Workflow id is required")
	}
	if resp.Valid {
		order, err := workflow.TopologicalOrder(g)
		if err != nil {
			WriteErr(w, err, h.logger)
			return
		}
		resp.Order = order
		resp.EstimatedDurationMs = workflow.EstimateExecutionTime(g).Milliseconds()
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	WriteSuccess(w, resp)
}
