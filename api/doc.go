// Package api documents the SwarmFlow HTTP API.
//
// # API Overview
//
// SwarmFlow exposes a RESTful API under /api/v1 for:
//   - Validating workflow definitions and estimating their duration
//   - Starting, listing, inspecting and cancelling runs
//   - Paged run logs and run artifacts
//   - Execution history analytics and JSON/CSV export
//   - A websocket feed of run status, node and log events
//   - Health monitoring and metrics
//
// # Authentication
//
// When server.jwt.secret is configured, API endpoints require an HS256 JWT:
//
//	Authorization: Bearer <token>
//
// The websocket feed cannot send headers from browsers and takes the token
// as a query parameter instead:
//
//	GET /api/v1/runs/ws?token=<token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// Handlers carry swag annotations. To regenerate Swagger documentation:
//
//	swag init -g cmd/swarmflow/main.go -o api --parseDependency --parseInternal
package api
