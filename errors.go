package workflow

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation             = "WORKFLOW_VALIDATION"
	ErrCodeNotFound               = "WORKFLOW_NOT_FOUND"
	ErrCodeUnauthorized           = "WORKFLOW_UNAUTHORIZED"
	ErrCodeInvalidTransition      = "WORKFLOW_INVALID_TRANSITION"
	ErrCodeConcurrentModification = "WORKFLOW_CONCURRENT_MODIFICATION"
	ErrCodeEscalationGap          = "WORKFLOW_ESCALATION_GAP"
)

var (
	ErrValidation = apperrors.New("validation error", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrUnauthorized = apperrors.New("unauthorized", apperrors.CategoryAuthz).
			WithTextCode(ErrCodeUnauthorized)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrConcurrentModification = apperrors.New("concurrent modification", apperrors.CategoryConflict).
					WithTextCode(ErrCodeConcurrentModification)
	// ErrEscalationGap is an observability signal, never a failure of a sweep.
	ErrEscalationGap = apperrors.New("deadline passed without escalation target", apperrors.CategoryOperation).
				WithTextCode(ErrCodeEscalationGap)
)

// NewError clones a sentinel with a message, source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of a workflow error, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsValidation(err error) bool   { return ErrorCode(err) == ErrCodeValidation }
func IsNotFound(err error) bool     { return ErrorCode(err) == ErrCodeNotFound }
func IsUnauthorized(err error) bool { return ErrorCode(err) == ErrCodeUnauthorized }
func IsInvalidTransition(err error) bool {
	return ErrorCode(err) == ErrCodeInvalidTransition
}
func IsConcurrentModification(err error) bool {
	return ErrorCode(err) == ErrCodeConcurrentModification
}
func IsEscalationGap(err error) bool { return ErrorCode(err) == ErrCodeEscalationGap }

func validationError(message string, metadata map[string]any) *apperrors.Error {
	return NewError(ErrValidation, message, nil, metadata)
}

// IssueCode identifies a class of definition graph problems.
type IssueCode string

const (
	IssueMissingStart      IssueCode = "missing_start"
	IssueMultipleStart     IssueCode = "multiple_start"
	IssueMissingEnd        IssueCode = "missing_end"
	IssueUnreachableEnd    IssueCode = "unreachable_end"
	IssueDanglingReference IssueCode = "dangling_reference"
	IssueDuplicateStep     IssueCode = "duplicate_step"
	IssueInvalidKind       IssueCode = "invalid_kind"
	IssueInvalidRule       IssueCode = "invalid_rule"
	IssueInvalidOperator   IssueCode = "invalid_operator"
	IssueInvalidVetoTarget IssueCode = "invalid_veto_target"
	IssueMissingField      IssueCode = "missing_field"
)

// GraphIssue is one structured validation finding.
type GraphIssue struct {
	Code    IssueCode `json:"code"`
	Ref     string    `json:"ref,omitempty"`
	Message string    `json:"message"`
}

func (i GraphIssue) String() string {
	if i.Ref == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", i.Code, i.Ref, i.Message)
}

// DefinitionError wraps every issue found while validating a definition.
type DefinitionError struct {
	Definition string
	Issues     []GraphIssue
}

func (e *DefinitionError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	name := e.Definition
	if name == "" {
		name = "definition"
	}
	return fmt.Sprintf("%s invalid: %s", name, strings.Join(parts, "; "))
}

// Unwrap exposes the validation sentinel so ErrorCode reports ErrCodeValidation.
func (e *DefinitionError) Unwrap() error {
	return NewError(ErrValidation, e.Error(), nil, map[string]any{
		"definition":  e.Definition,
		"issue_count": len(e.Issues),
	})
}

// HasIssue reports whether an issue with the given code was recorded.
func (e *DefinitionError) HasIssue(code IssueCode) bool {
	if e == nil {
		return false
	}
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}
