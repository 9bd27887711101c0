package handlers

import (
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/workflow/artifacts"
)

// ArtifactHandler 制品查询、下载与删除
type ArtifactHandler struct {
	manager *artifacts.Manager
	logger  *zap.Logger
}

// NewArtifactHandler 创建 ArtifactHandler
func NewArtifactHandler(manager *artifacts.Manager, logger *zap.Logger) *ArtifactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactHandler{manager: manager, logger: logger.With(zap.String("handler", "artifacts"))}
}

// HandleGet 返回制品元数据
// @Router /api/v1/artifacts/{id} [get]
func (h *ArtifactHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, a)
}

// HandleContent 以原始内容类型返回制品内容
// @Router /api/v1/artifacts/{id}/content [get]
func (h *ArtifactHandler) HandleContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.manager.Get(id)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	data, err := h.manager.Content(r.Context(), id)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleDelete 删除制品
// @Router /api/v1/artifacts/{id} [delete]
func (h *ArtifactHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats 返回制品存储用量
// @Router /api/v1/artifacts/stats [get]
func (h *ArtifactHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.manager.Stats())
}
