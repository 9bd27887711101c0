package handlers

import "net/http"

// =============================================================================
// 🗺️ 路由注册
// =============================================================================

// API 汇总所有 handler；为 nil 的 handler 不注册对应路由
type API struct {
	Health    *HealthHandler
	Workflows *WorkflowHandler
	Runs      *RunHandler
	Artifacts *ArtifactHandler
	Analytics *AnalyticsHandler
	Feed      *FeedHandler

	Version   string
	BuildTime string
	GitCommit string
}

// PublicPaths 不需要认证的路径。websocket 通过 ?token= 自行校验。
var PublicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics", "/api/v1/runs/ws"}

// Register 把所有路由挂到 mux 上
func (a *API) Register(mux *http.ServeMux) {
	if a.Health != nil {
		mux.HandleFunc("GET /health", a.Health.HandleHealth)
		mux.HandleFunc("GET /healthz", a.Health.HandleHealthz)
		mux.HandleFunc("GET /ready", a.Health.HandleReady)
		mux.HandleFunc("GET /readyz", a.Health.HandleReady)
		mux.HandleFunc("GET /version", a.Health.HandleVersion(a.Version, a.BuildTime, a.GitCommit))
	}

	if a.Workflows != nil {
		mux.HandleFunc("POST /api/v1/workflows/validate", a.Workflows.HandleValidate)
	}

	if a.Runs != nil {
		mux.HandleFunc("POST /api/v1/runs", a.Runs.HandleStart)
		mux.HandleFunc("GET /api/v1/runs", a.Runs.HandleList)
		mux.HandleFunc("GET /api/v1/runs/stats", a.Runs.HandleStats)
		mux.HandleFunc("GET /api/v1/runs/{id}", a.Runs.HandleGet)
		mux.HandleFunc("POST /api/v1/runs/{id}/cancel", a.Runs.HandleCancel)
		mux.HandleFunc("GET /api/v1/runs/{id}/logs", a.Runs.HandleLogs)
		mux.HandleFunc("GET /api/v1/runs/{id}/artifacts", a.Runs.HandleArtifacts)
	}

	if a.Artifacts != nil {
		mux.HandleFunc("GET /api/v1/artifacts/stats", a.Artifacts.HandleStats)
		mux.HandleFunc("GET /api/v1/artifacts/{id}", a.Artifacts.HandleGet)
		mux.HandleFunc("GET /api/v1/artifacts/{id}/content", a.Artifacts.HandleContent)
		mux.HandleFunc("DELETE /api/v1/artifacts/{id}", a.Artifacts.HandleDelete)
	}

	if a.Analytics != nil {
		mux.HandleFunc("GET /api/v1/analytics", a.Analytics.HandleAnalytics)
		mux.HandleFunc("GET /api/v1/analytics/export", a.Analytics.HandleExport)
	}

	// "GET /api/v1/runs/ws" 比 "GET /api/v1/runs/{id}" 更具体，ServeMux 优先匹配它
	if a.Feed != nil {
		mux.HandleFunc("GET /api/v1/runs/ws", a.Feed.HandleWS)
	}
}
