// Package ferrors defines the structured error taxonomy shared by every
// component of the compiler and artifact lifecycle manager (see spec §7).
package ferrors

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind identifies one of the taxonomy's fixed error kinds. Every kind
// maps onto a CLI exit code (several kinds may share one); never add a
// kind without an exit code.
type Kind string

const (
	KindSchema              Kind = "schema"
	KindInheritance          Kind = "inheritance"
	KindSecurityPolicy       Kind = "security_policy_violation"
	KindPluginNotApproved    Kind = "plugin_not_approved"
	KindCompilation          Kind = "compilation"
	KindRegistry             Kind = "registry"
	KindNetworkValidation    Kind = "network_validation"
	KindSignatureVerification Kind = "signature_verification"
	KindSigning              Kind = "signing"
)

// exitCodes mirrors the table in spec §7.
var exitCodes = map[Kind]int{
	KindSchema:               1,
	KindInheritance:          2,
	KindSecurityPolicy:       2,
	KindPluginNotApproved:    2,
	KindCompilation:          3,
	KindRegistry:             4,
	KindNetworkValidation:    5,
	KindSignatureVerification: 6,
	KindSigning:              7,
}

// AppError is the single structured error type surfaced to callers. It
// carries enough context (path or ref, remediation hint, exit code) for
// the CLI layer to report without re-deriving it.
type AppError struct {
	Kind        Kind
	Message     string
	Path        string // config errors: document path
	Ref         string // artifact errors: OCI ref
	Remediation string
	Details     string
	Cause       error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path: %s)", msg, e.Path)
	}
	if e.Ref != "" {
		msg = fmt.Sprintf("%s (ref: %s)", msg, e.Ref)
	}
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Cause }

// ExitCode returns the CLI exit code for this error's kind.
func (e *AppError) ExitCode() int {
	if c, ok := exitCodes[e.Kind]; ok {
		return c
	}
	return 1
}

func (e *AppError) WithDetails(d string) *AppError {
	e.Details = d
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) WithRemediation(hint string) *AppError {
	e.Remediation = hint
	return e
}

// New creates an AppError with no cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates a formatted AppError with no cause.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with taxonomy context.
func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Schema errors (C1).
func NewSchemaError(path, reason string) *AppError {
	return &AppError{Kind: KindSchema, Message: reason, Path: path}
}

func NewUnknownFieldError(path, field string) *AppError {
	return &AppError{
		Kind:        KindSchema,
		Message:     fmt.Sprintf("unknown field %q", field),
		Path:        path,
		Remediation: "remove the field or check for a typo",
	}
}

func NewInvalidPatternError(path, value, pattern string) *AppError {
	return &AppError{
		Kind:    KindSchema,
		Message: fmt.Sprintf("value %q does not match pattern %s", value, pattern),
		Path:    path,
	}
}

// Inheritance errors (C3).
func NewCircularInheritanceError(name, version string) *AppError {
	return &AppError{
		Kind:    KindInheritance,
		Message: fmt.Sprintf("circular inheritance detected at %s@%s", name, version),
	}
}

func NewMaxDepthExceededError(depth, max int) *AppError {
	return &AppError{
		Kind:    KindInheritance,
		Message: fmt.Sprintf("inheritance depth %d exceeds maximum %d", depth, max),
	}
}

func NewSecurityPolicyViolationError(field, parent, child string) *AppError {
	return &AppError{
		Kind:    KindSecurityPolicy,
		Message: fmt.Sprintf("field %s weakened from %q to %q", field, parent, child),
		Path:    field,
	}
}

func NewPluginNotApprovedError(category, name string, available []string) *AppError {
	return &AppError{
		Kind:        KindPluginNotApproved,
		Message:     fmt.Sprintf("plugin %s:%s is not in the approved list", category, name),
		Remediation: fmt.Sprintf("approved: %v", available),
	}
}

// Compilation errors (C4).
func NewCompilationError(reason string) *AppError {
	return &AppError{Kind: KindCompilation, Message: reason}
}

// Registry errors (C7).
func NewRegistryError(ref string, cause error) *AppError {
	return &AppError{Kind: KindRegistry, Message: "registry operation failed", Ref: ref, Cause: cause}
}

// Network validation errors (C5).
func NewNetworkValidationError(reason string) *AppError {
	return &AppError{Kind: KindNetworkValidation, Message: reason}
}

// Signature errors (C8).
func NewSignatureVerificationError(ref, reason string) *AppError {
	return &AppError{Kind: KindSignatureVerification, Message: reason, Ref: ref}
}

func NewSigningError(ref string, cause error) *AppError {
	return &AppError{Kind: KindSigning, Message: "signing failed", Ref: ref, Cause: cause}
}
