package regtest

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures surfaced by Bitcoind.
type Kind uint8

const (
	// KindOther covers anything not classified below, such as invalid configuration.
	KindOther Kind = iota
	// KindRuntimeUnavailable means the docker daemon did not answer a ping.
	KindRuntimeUnavailable
	// KindRuntime wraps a failed docker API call.
	KindRuntime
	// KindDigestMismatch means the pulled image does not carry the pinned digest.
	KindDigestMismatch
)

func (k Kind) String() string {
	switch k {
	case KindRuntimeUnavailable:
		return "runtime unavailable"
	case KindRuntime:
		return "runtime"
	case KindDigestMismatch:
		return "digest mismatch"
	default:
		return "other"
	}
}

// Error is the error type returned by every Bitcoind operation.
// It wraps the underlying docker SDK error with context and remediation steps.
type Error struct {
	Kind      Kind
	Op        string   // Operation that failed (e.g., "ping", "create", "pull")
	Err       error    // Underlying error
	Message   string   // Human-readable message
	NextSteps []string // Suggested remediation steps

	// Expected and Found are only set for KindDigestMismatch.
	Expected string
	Found    []string
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrRuntimeUnavailable = &Error{Kind: KindRuntimeUnavailable, Message: "docker daemon is not running"}
	ErrDigestMismatch     = &Error{Kind: KindDigestMismatch, Message: "image digest mismatch"}
	ErrRuntime            = &Error{Kind: KindRuntime, Message: "docker API call failed"}
	ErrOther              = &Error{Kind: KindOther, Message: "regtest error"}
)

func (e *Error) Error() string {
	if e.Kind == KindDigestMismatch && e.Expected != "" {
		return fmt.Sprintf("image digest mismatch: expected %s, found [%s]", e.Expected, strings.Join(e.Found, ", "))
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// FormatUserError formats the error for display with next steps.
func (e *Error) FormatUserError() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", e.Message))

	if e.Err != nil {
		sb.WriteString(fmt.Sprintf("  Details: %s\n", e.Err.Error()))
	}
	if e.Kind == KindDigestMismatch {
		sb.WriteString(fmt.Sprintf("  Expected: %s\n", e.Expected))
		sb.WriteString(fmt.Sprintf("  Found: %s\n", strings.Join(e.Found, ", ")))
	}

	if len(e.NextSteps) > 0 {
		sb.WriteString("\nNext Steps:\n")
		for i, step := range e.NextSteps {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, step))
		}
	}

	return sb.String()
}

// KindOf returns the Kind of err, or KindOther when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func errDockerNotRunning(err error) *Error {
	return &Error{
		Kind:    KindRuntimeUnavailable,
		Op:      "ping",
		Err:     err,
		Message: "Docker daemon is not running. Make sure to start it before running this test",
		NextSteps: []string{
			"Start Docker Desktop (macOS/Windows) or run 'sudo systemctl start docker' (Linux)",
			"Check if the Docker socket is accessible: ls -la /var/run/docker.sock",
			"Check DOCKER_HOST if the daemon is remote",
		},
	}
}

func errDockerClient(err error) *Error {
	return &Error{
		Kind:    KindRuntimeUnavailable,
		Op:      "connect",
		Err:     err,
		Message: "Cannot create Docker client",
		NextSteps: []string{
			"Check DOCKER_HOST, DOCKER_API_VERSION and DOCKER_CERT_PATH",
		},
	}
}

func errRuntime(op, subject string, err error) *Error {
	return &Error{
		Kind:    KindRuntime,
		Op:      op,
		Err:     err,
		Message: fmt.Sprintf("docker %s %s failed", op, subject),
	}
}

func errImagePull(image string, err error) *Error {
	return &Error{
		Kind:    KindRuntime,
		Op:      "pull",
		Err:     err,
		Message: fmt.Sprintf("Failed to pull image '%s'", image),
		NextSteps: []string{
			"Check the image name and tag are correct",
			"Verify you have network access to the registry",
			"Try pulling manually: docker pull " + image,
		},
	}
}

func errDigestMismatch(expected string, found []string) *Error {
	return &Error{
		Kind:     KindDigestMismatch,
		Op:       "verify",
		Message:  "image digest mismatch",
		Expected: expected,
		Found:    found,
		NextSteps: []string{
			"Confirm the pinned digest matches the published image",
			"Inspect the local image: docker image inspect --format '{{.RepoDigests}}' <image>",
		},
	}
}

func errOther(format string, args ...any) *Error {
	return &Error{
		Kind:    KindOther,
		Op:      "config",
		Message: fmt.Sprintf(format, args...),
	}
}

// errConfig is errOther with the underlying cause kept for errors.Is/As.
func errConfig(err error, format string, args ...any) *Error {
	e := errOther(format, args...)
	e.Err = err
	return e
}
