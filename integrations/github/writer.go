// Package github implements workflow.RepositoryWriter with the GitHub REST
// git data API: blobs, a tree on top of the branch head, a commit, then a
// ref update.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/tlsutil"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

const providerName = "github"

// Config configures the writer.
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	Token      string        `yaml:"token" json:"-" env:"TOKEN"`
	Owner      string        `yaml:"owner" json:"owner" env:"OWNER"`
	Repo       string        `yaml:"repo" json:"repo" env:"REPO"`
	BaseBranch string        `yaml:"base_branch" json:"base_branch" env:"BASE_BRANCH"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// DefaultConfig targets api.github.com and the main branch.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.github.com",
		BaseBranch: "main",
		Timeout:    30 * time.Second,
	}
}

// Enabled reports whether enough is configured to write.
func (c Config) Enabled() bool {
	return c.Token != "" && c.Owner != "" && c.Repo != ""
}

// Writer commits files and opens pull requests.
type Writer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ workflow.RepositoryWriter = (*Writer)(nil)

// New creates a Writer. A nil client uses the hardened default.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Writer {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = def.BaseBranch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, client: client, logger: logger.With(zap.String("component", "github"))}
}

type ref struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type shaOnly struct {
	SHA string `json:"sha"`
}

type commitObject struct {
	SHA  string  `json:"sha"`
	Tree shaOnly `json:"tree"`
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// Commit writes files to branch in a single commit and returns its sha.
// A missing branch is created from the base branch first.
func (w *Writer) Commit(ctx context.Context, branch string, files []workflow.FileChange, message string) (string, error) {
	if len(files) == 0 {
		return "", types.NewError(types.ErrInvalidRequest, "commit requires at least one file").
			WithHTTPStatus(http.StatusBadRequest)
	}
	head, err := w.branchHead(ctx, branch)
	if err != nil {
		return "", err
	}

	var base commitObject
	if err := w.do(ctx, http.MethodGet, w.repoPath("/git/commits/"+head), nil, &base); err != nil {
		return "", err
	}

	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		var blob shaOnly
		body := map[string]string{"content": f.Content, "encoding": "utf-8"}
		if err := w.do(ctx, http.MethodPost, w.repoPath("/git/blobs"), body, &blob); err != nil {
			return "", err
		}
		entries = append(entries, treeEntry{Path: strings.TrimPrefix(f.Path, "/"), Mode: "100644", Type: "blob", SHA: blob.SHA})
	}

	var tree shaOnly
	if err := w.do(ctx, http.MethodPost, w.repoPath("/git/trees"),
		map[string]any{"base_tree": base.Tree.SHA, "tree": entries}, &tree); err != nil {
		return "", err
	}

	var commit shaOnly
	if err := w.do(ctx, http.MethodPost, w.repoPath("/git/commits"),
		map[string]any{"message": message, "tree": tree.SHA, "parents": []string{head}}, &commit); err != nil {
		return "", err
	}

	if err := w.do(ctx, http.MethodPatch, w.repoPath("/git/refs/heads/"+branch),
		map[string]any{"sha": commit.SHA}, nil); err != nil {
		return "", err
	}

	w.logger.Info("committed files",
		zap.String("branch", branch),
		zap.String("sha", commit.SHA),
		zap.Int("files", len(files)))
	return commit.SHA, nil
}

// OpenPullRequest opens a pull request and returns its number.
func (w *Writer) OpenPullRequest(ctx context.Context, title, head, base, body string) (int, error) {
	if base == "" {
		base = w.cfg.BaseBranch
	}
	var pr struct {
		Number int `json:"number"`
	}
	err := w.do(ctx, http.MethodPost, w.repoPath("/pulls"),
		map[string]string{"title": title, "head": head, "base": base, "body": body}, &pr)
	if err != nil {
		return 0, err
	}
	w.logger.Info("opened pull request", zap.Int("number", pr.Number), zap.String("head", head))
	return pr.Number, nil
}

// branchHead resolves branch, creating it from the base branch when absent.
func (w *Writer) branchHead(ctx context.Context, branch string) (string, error) {
	var r ref
	err := w.do(ctx, http.MethodGet, w.repoPath("/git/ref/heads/"+branch), nil, &r)
	if err == nil {
		return r.Object.SHA, nil
	}
	if types.GetErrorCode(err) != types.ErrNotFound {
		return "", err
	}

	var baseRef ref
	if err := w.do(ctx, http.MethodGet, w.repoPath("/git/ref/heads/"+w.cfg.BaseBranch), nil, &baseRef); err != nil {
		return "", err
	}
	if err := w.do(ctx, http.MethodPost, w.repoPath("/git/refs"),
		map[string]string{"ref": "refs/heads/" + branch, "sha": baseRef.Object.SHA}, nil); err != nil {
		return "", err
	}
	w.logger.Info("created branch", zap.String("branch", branch), zap.String("from", w.cfg.BaseBranch))
	return baseRef.Object.SHA, nil
}

func (w *Writer) repoPath(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", strings.TrimRight(w.cfg.BaseURL, "/"), w.cfg.Owner, w.cfg.Repo, suffix)
}

func (w *Writer) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal github request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return workflow.NewProviderError(providerName, method+" "+url+" failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &envelope) == nil && envelope.Message != "" {
			msg = envelope.Message
		}
		return statusError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return workflow.NewProviderError(providerName, "decode github response", err)
	}
	return nil
}

func statusError(status int, msg string) *types.Error {
	switch {
	case status == http.StatusNotFound:
		return types.NewError(types.ErrNotFound, msg).WithProvider(providerName).WithHTTPStatus(http.StatusBadGateway)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, msg).WithProvider(providerName).WithHTTPStatus(http.StatusBadGateway)
	case status == http.StatusTooManyRequests || status >= 500:
		return workflow.NewProviderError(providerName, fmt.Sprintf("github %d: %s", status, msg), nil)
	default:
		return types.NewError(types.ErrProvider, fmt.Sprintf("github %d: %s", status, msg)).
			WithProvider(providerName).WithHTTPStatus(http.StatusBadGateway)
	}
}
