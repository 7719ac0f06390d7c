package crawler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
)

// MajorCode groups protocol outcomes.
type MajorCode int

// Major codes.
const (
	MajorNotFetched MajorCode = 0
	MajorSuccess    MajorCode = 1
	MajorFailed     MajorCode = 2
)

func (c MajorCode) String() string {
	switch c {
	case MajorNotFetched:
		return "NOTFETCHED"
	case MajorSuccess:
		return "SUCCESS"
	case MajorFailed:
		return "FAILED"
	default:
		return "MAJOR(" + strconv.Itoa(int(c)) + ")"
	}
}

// MinorCode identifies a single attempt outcome. Codes shared with HTTP use the
// HTTP value; everything else lives at 1600 and above.
type MinorCode int

// Minor codes.
const (
	CodeOK                 MinorCode = 200
	CodeCreated            MinorCode = 201
	CodeMoved              MinorCode = 301
	CodeTempMoved          MinorCode = 302
	CodeNotModified        MinorCode = 304
	CodeAccessDenied       MinorCode = 401
	CodeNotFound           MinorCode = 404
	CodeRequestTimeout     MinorCode = 408
	CodeGone               MinorCode = 410
	CodePreconditionFailed MinorCode = 412

	CodeNotFetched           MinorCode = 1600
	CodeProtoNotFound        MinorCode = 1601
	CodeUnknownHost          MinorCode = 1602
	CodeRobotsDenied         MinorCode = 1603
	CodeException            MinorCode = 1604
	CodeRedirExceeded        MinorCode = 1605
	CodeWouldBlock           MinorCode = 1606
	CodeBlocked              MinorCode = 1607
	CodeRetry                MinorCode = 1608
	CodeCanceled             MinorCode = 1609
	CodeThreadTimeout        MinorCode = 1610
	CodeDriverTimeout        MinorCode = 1611
	CodeDocumentReadyTimeout MinorCode = 1612
	CodeScriptTimeout        MinorCode = 1613
)

var minorCodeNames = map[MinorCode]string{
	CodeOK:                   "OK",
	CodeCreated:              "CREATED",
	CodeMoved:                "MOVED",
	CodeTempMoved:            "TEMP_MOVED",
	CodeNotModified:          "NOTMODIFIED",
	CodeAccessDenied:         "ACCESS_DENIED",
	CodeNotFound:             "NOTFOUND",
	CodeRequestTimeout:       "REQUEST_TIMEOUT",
	CodeGone:                 "GONE",
	CodePreconditionFailed:   "PRECONDITION_FAILED",
	CodeNotFetched:           "NOTFETCHED",
	CodeProtoNotFound:        "PROTO_NOT_FOUND",
	CodeUnknownHost:          "UNKNOWN_HOST",
	CodeRobotsDenied:         "ROBOTS_DENIED",
	CodeException:            "EXCEPTION",
	CodeRedirExceeded:        "REDIR_EXCEEDED",
	CodeWouldBlock:           "WOULDBLOCK",
	CodeBlocked:              "BLOCKED",
	CodeRetry:                "RETRY",
	CodeCanceled:             "CANCELED",
	CodeThreadTimeout:        "THREAD_TIMEOUT",
	CodeDriverTimeout:        "DRIVER_TIMEOUT",
	CodeDocumentReadyTimeout: "DOCUMENT_READY_TIMEOUT",
	CodeScriptTimeout:        "SCRIPT_TIMEOUT",
}

func (c MinorCode) String() string {
	if name, ok := minorCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// Known reports whether c is one of the declared minor codes.
func (c MinorCode) Known() bool {
	_, ok := minorCodeNames[c]
	return ok
}

// Argument keys carried in ProtocolStatus.Args.
const (
	ArgHTTPCode   = "httpCode"
	ArgRedirectTo = "redirectTo"
	ArgURL        = "url"
	ArgReason     = "rs"
	ArgRetryScope = "rsp"
)

// ProtocolStatus is the outcome of a single fetch attempt.
type ProtocolStatus struct {
	Major MajorCode         `json:"major"`
	Minor MinorCode         `json:"minor"`
	Args  map[string]string `json:"args,omitempty"`
}

// StatusNotFetched is the status of a record that was never attempted.
func StatusNotFetched() ProtocolStatus {
	return ProtocolStatus{Major: MajorNotFetched, Minor: CodeNotFetched}
}

// StatusSuccess is a plain successful attempt.
func StatusSuccess() ProtocolStatus {
	return ProtocolStatus{Major: MajorSuccess, Minor: CodeOK}
}

// StatusNotModified is a successful attempt whose content did not change.
func StatusNotModified() ProtocolStatus {
	return ProtocolStatus{Major: MajorSuccess, Minor: CodeNotModified}
}

// StatusFailed builds a failed status. args are alternating key/value pairs.
func StatusFailed(minor MinorCode, args ...string) ProtocolStatus {
	s := ProtocolStatus{Major: MajorFailed, Minor: minor}
	for i := 0; i+1 < len(args); i += 2 {
		s = s.WithArg(args[i], args[i+1])
	}
	return s
}

// StatusRetry builds a retry status with a reason.
func StatusRetry(reason string) ProtocolStatus {
	return StatusFailed(CodeRetry, ArgReason, reason)
}

// StatusCanceled builds a canceled status with a reason.
func StatusCanceled(reason string) ProtocolStatus {
	return StatusFailed(CodeCanceled, ArgReason, reason)
}

// StatusMoved builds a permanent or temporary redirect to target.
func StatusMoved(target string, temp bool) ProtocolStatus {
	code := CodeMoved
	if temp {
		code = CodeTempMoved
	}
	return StatusFailed(code, ArgRedirectTo, target)
}

// WithArg returns a copy of s carrying key=value.
func (s ProtocolStatus) WithArg(key, value string) ProtocolStatus {
	args := make(map[string]string, len(s.Args)+1)
	maps.Copy(args, s.Args)
	args[key] = value
	s.Args = args
	return s
}

// Arg returns the argument for key or "".
func (s ProtocolStatus) Arg(key string) string {
	return s.Args[key]
}

// Clone returns a deep copy.
func (s ProtocolStatus) Clone() ProtocolStatus {
	s.Args = maps.Clone(s.Args)
	return s
}

// IsSuccess is the only gate that lets a record become FETCHED or NOTMODIFIED.
func (s ProtocolStatus) IsSuccess() bool { return s.Major == MajorSuccess }

// IsFailed reports a failed attempt, redirects included.
func (s ProtocolStatus) IsFailed() bool { return s.Major == MajorFailed }

// IsNotFetched reports that no attempt was made.
func (s ProtocolStatus) IsNotFetched() bool { return s.Major == MajorNotFetched }

// IsCanceled reports an attempt that was abandoned before completion.
func (s ProtocolStatus) IsCanceled() bool { return s.Minor == CodeCanceled }

// IsTempMoved reports a temporary redirect.
func (s ProtocolStatus) IsTempMoved() bool { return s.IsFailed() && s.Minor == CodeTempMoved }

// IsMoved reports any redirect.
func (s ProtocolStatus) IsMoved() bool {
	return s.IsFailed() && (s.Minor == CodeMoved || s.Minor == CodeTempMoved)
}

// IsRetry reports an explicit retry request from the backend.
func (s ProtocolStatus) IsRetry() bool { return s.Minor == CodeRetry }

// IsNotFound reports a missing resource.
func (s ProtocolStatus) IsNotFound() bool { return s.Minor == CodeNotFound }

// IsTimeout reports any member of the timeout family.
func (s ProtocolStatus) IsTimeout() bool {
	switch s.Minor {
	case CodeRequestTimeout, CodeThreadTimeout, CodeDriverTimeout, CodeDocumentReadyTimeout, CodeScriptTimeout:
		return true
	default:
		return false
	}
}

func (s ProtocolStatus) String() string {
	var b strings.Builder
	b.WriteString(s.Major.String())
	b.WriteByte('/')
	b.WriteString(s.Minor.String())
	if len(s.Args) > 0 {
		keys := slices.Sorted(maps.Keys(s.Args))
		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, s.Args[k])
		}
		b.WriteByte('}')
	}
	return b.String()
}

// StatusFromHTTP maps an HTTP response code to a protocol status. location is
// the resolved redirect target, if any.
func StatusFromHTTP(code int, location string) ProtocolStatus {
	httpCode := strconv.Itoa(code)
	var s ProtocolStatus
	switch {
	case code == 304:
		s = StatusNotModified()
	case code == 201:
		s = ProtocolStatus{Major: MajorSuccess, Minor: CodeCreated}
	case code >= 200 && code < 300:
		s = StatusSuccess()
	case code == 300, code == 301, code == 305, code == 308:
		s = StatusMoved(location, false)
	case code == 302, code == 303, code == 307:
		s = StatusMoved(location, true)
	case code == 400, code == 410:
		s = StatusFailed(CodeGone)
	case code == 401, code == 403:
		s = StatusFailed(CodeAccessDenied)
	case code == 404:
		s = StatusFailed(CodeNotFound)
	case code == 408:
		s = StatusFailed(CodeRequestTimeout)
	case code == 412:
		s = StatusFailed(CodePreconditionFailed)
	case code == 429:
		s = StatusFailed(CodeBlocked)
	default:
		s = StatusFailed(CodeException)
	}
	return s.WithArg(ArgHTTPCode, httpCode)
}

// StatusFromError maps a transport error to a protocol status.
func StatusFromError(err error) ProtocolStatus {
	if err == nil {
		return StatusFailed(CodeException, ArgReason, "nil error")
	}
	reason := err.Error()
	if errors.Is(err, context.Canceled) {
		return StatusCanceled(reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusFailed(CodeThreadTimeout, ArgReason, reason)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return StatusFailed(CodeRequestTimeout, ArgReason, reason)
		}
		return StatusFailed(CodeUnknownHost, ArgReason, reason)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusFailed(CodeRequestTimeout, ArgReason, reason)
	}
	return StatusFailed(CodeException, ArgReason, reason)
}
