package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow/history"
)

// AnalyticsHandler 执行历史分析与导出
type AnalyticsHandler struct {
	history *history.History
	logger  *zap.Logger
}

// NewAnalyticsHandler 创建 AnalyticsHandler
func NewAnalyticsHandler(h *history.History, logger *zap.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{history: h, logger: logger.With(zap.String("handler", "analytics"))}
}

// HandleAnalytics 返回趋势、性能分布、瓶颈、错误模式与洞察
// @Router /api/v1/analytics [get]
func (h *AnalyticsHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.history.Analyze())
}

// HandleExport 以 json 或 csv 导出完整历史
// @Param format query string false "json | csv"
// @Router /api/v1/analytics/export [get]
func (h *AnalyticsHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("format")
	if raw == "" {
		raw = string(history.FormatJSON)
	}
	format, err := history.ParseFormat(raw)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	body, err := h.history.Export(format)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	contentType := "application/json; charset=utf-8"
	if format == history.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	name := "execution-history-" + time.Now().UTC().Format("20060102T150405Z") + "." + string(format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
