package workflow

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/swarmflow/types"
)

// ValidationError reports a malformed graph. It is always returned before
// any node runs.
type ValidationError struct {
	Messages []string
}

// NewValidationError builds a ValidationError from one or more messages.
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}

func (e *ValidationError) Error() string {
	return "workflow validation failed: " + strings.Join(e.Messages, "; ")
}

// Unwrap exposes the structured error so types.GetErrorCode and HTTP
// mapping see VALIDATION_ERROR.
func (e *ValidationError) Unwrap() error {
	return types.NewError(types.ErrValidation, strings.Join(e.Messages, "; ")).
		WithHTTPStatus(http.StatusBadRequest)
}

// NodeExecutionError reports that one node's handler failed.
type NodeExecutionError struct {
	NodeID string
	Kind   NodeKind
	Cause  error
}

// NewNodeExecutionError wraps cause for the given node.
func NewNodeExecutionError(nodeID string, kind NodeKind, cause error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Kind: kind, Cause: cause}
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.Kind, e.Cause)
}

func (e *NodeExecutionError) Unwrap() []error {
	code := types.NewError(types.ErrNodeExecution, fmt.Sprintf("node %s failed", e.NodeID))
	if e.Cause == nil {
		return []error{code}
	}
	return []error{e.Cause, code}
}

// NewResourceExhaustedError reports that a task could not be admitted in time.
func NewResourceExhaustedError(message string) *types.Error {
	return types.NewError(types.ErrResourceExhausted, message).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}

// NewProviderError reports an AgentInvoker or RepositoryWriter failure.
// Provider errors are retried by the task queue.
func NewProviderError(provider, message string, cause error) *types.Error {
	return types.NewError(types.ErrProvider, message).
		WithProvider(provider).
		WithCause(cause).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

// ErrCancelled is recorded on nodes that never ran because the run was
// cancelled, and on agent nodes whose result was discarded.
var ErrCancelled = types.NewError(types.ErrCancelled, "run cancelled")

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FailedNodeID returns the node id of the first NodeExecutionError in the chain.
func FailedNodeID(err error) string {
	var ne *NodeExecutionError
	if errors.As(err, &ne) {
		return ne.NodeID
	}
	return ""
}
