// MockRepository 是 workflow.RepositoryWriter 的测试模拟实现。
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/swarmflow/workflow"
)

// Commit 记录一次提交
type Commit struct {
	ID      string
	Branch  string
	Files   []workflow.FileChange
	Message string
}

// PullRequest 记录一次 PR
type PullRequest struct {
	Number int
	Title  string
	Head   string
	Base   string
	Body   string
}

// MockRepository 是 RepositoryWriter 的模拟实现
type MockRepository struct {
	mu        sync.Mutex
	commits   []Commit
	prs       []PullRequest
	commitErr error
	prErr     error
}

// NewMockRepository 创建新的 MockRepository
func NewMockRepository() *MockRepository {
	return &MockRepository{}
}

// WithCommitError 设置提交错误
func (m *MockRepository) WithCommitError(err error) *MockRepository {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
	return m
}

// WithPullRequestError 设置 PR 错误
func (m *MockRepository) WithPullRequestError(err error) *MockRepository {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prErr = err
	return m
}

// Commit 实现 workflow.RepositoryWriter
func (m *MockRepository) Commit(_ context.Context, branch string, files []workflow.FileChange, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return "", m.commitErr
	}
	id := fmt.Sprintf("commit-%d", len(m.commits)+1)
	m.commits = append(m.commits, Commit{ID: id, Branch: branch, Files: files, Message: message})
	return id, nil
}

// OpenPullRequest 实现 workflow.RepositoryWriter
func (m *MockRepository) OpenPullRequest(_ context.Context, title, head, base, body string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prErr != nil {
		return 0, m.prErr
	}
	n := len(m.prs) + 1
	m.prs = append(m.prs, PullRequest{Number: n, Title: title, Head: head, Base: base, Body: body})
	return n, nil
}

// Commits 返回所有提交
func (m *MockRepository) Commits() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.commits...)
}

// PullRequests 返回所有 PR
func (m *MockRepository) PullRequests() []PullRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PullRequest(nil), m.prs...)
}
