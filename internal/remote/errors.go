package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Kind is the closed set of failure categories the retry policies branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnavailable
	KindDeadlineExceeded
	KindResourceExhausted
	KindInternal
	KindCancelled
	KindNetwork
	KindTimeout
	KindInvalidArgument
	KindPermissionDenied
	KindNotFound
	KindFailedPrecondition
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindUnavailable:        "unavailable",
	KindDeadlineExceeded:   "deadline-exceeded",
	KindResourceExhausted:  "resource-exhausted",
	KindInternal:           "internal",
	KindCancelled:          "cancelled",
	KindNetwork:            "network",
	KindTimeout:            "timeout",
	KindInvalidArgument:    "invalid-argument",
	KindPermissionDenied:   "permission-denied",
	KindNotFound:           "not-found",
	KindFailedPrecondition: "failed-precondition",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transient reports whether a failure of this kind is worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case KindUnavailable, KindDeadlineExceeded, KindResourceExhausted,
		KindInternal, KindCancelled, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// KindFromCode maps a canonical remote error code ("unavailable",
// "permission-denied", ...) to a Kind. Unrecognised codes are KindUnknown.
func KindFromCode(code string) Kind {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.TrimPrefix(code, "remote/")
	code = strings.ReplaceAll(code, "_", "-")
	if code == "canceled" {
		return KindCancelled
	}
	for k, name := range kindNames {
		if name == code {
			return k
		}
	}
	return KindUnknown
}

// Error is the shape every remote store failure is reported in.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func NewError(code, message string) *Error {
	return &Error{Kind: KindFromCode(code), Code: code, Message: message}
}

func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("remote %s: %v", code, e.Err)
	}
	return fmt.Sprintf("remote %s: %s", code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify reduces any error returned from a remote call to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindUnavailable
	case errors.Is(err, redis.ErrClosed):
		return KindUnavailable
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return classifyRedisReply(redisErr.Error())
	}
	if isPoolSaturated(err) {
		return KindResourceExhausted
	}
	return KindUnknown
}

// go-redis keeps its pool errors in an internal package, so only the text is
// available to match on.
var poolSaturatedMessages = []string{
	"redis: connection pool timeout",
	"redis: connection pool exhausted",
}

func isPoolSaturated(err error) bool {
	msg := err.Error()
	for _, m := range poolSaturatedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransient is shorthand for Classify(err).Transient().
func IsTransient(err error) bool {
	return err != nil && Classify(err).Transient()
}

// classifyRedisReply looks at the error prefix of a Redis server reply.
func classifyRedisReply(msg string) Kind {
	prefix, _, _ := strings.Cut(msg, " ")
	switch prefix {
	case "LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY":
		return KindUnavailable
	case "OOM":
		return KindResourceExhausted
	case "NOPERM", "NOAUTH", "WRONGPASS":
		return KindPermissionDenied
	case "WRONGTYPE":
		return KindFailedPrecondition
	case "ERR":
		return KindInvalidArgument
	}
	return KindUnknown
}
