package youtubehelper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind 上传失败分类
type ErrorKind string

const (
	KindUnauthorized  ErrorKind = "unauthorized"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindInvalid       ErrorKind = "invalid"
	KindTransient     ErrorKind = "transient"
	KindUnknown       ErrorKind = "unknown"
)

// UploadError 已分类的上传错误，Error() 只返回可读信息
type UploadError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return e.Message
}

// KindOf 返回错误分类，未分类的错误视为 unknown
func KindOf(err error) ErrorKind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindUnknown
}

// googleError Google API 的错误响应体
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func (g *googleError) reasons() []string {
	var out []string
	for _, e := range g.Error.Errors {
		out = append(out, e.Reason)
	}
	return out
}

// classifyStatus 根据状态码与错误原因分类
func classifyStatus(status int, body *googleError, raw string) *UploadError {
	msg := ""
	if body != nil {
		msg = body.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(raw)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status == http.StatusForbidden:
		kind = KindUnauthorized
		if body != nil {
			for _, reason := range body.reasons() {
				if strings.Contains(strings.ToLower(reason), "quota") || reason == "uploadLimitExceeded" || reason == "rateLimitExceeded" {
					kind = KindQuotaExceeded
					break
				}
			}
		}
	case status == http.StatusTooManyRequests:
		kind = KindTransient
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusRequestEntityTooLarge:
		kind = KindInvalid
	case status >= 500:
		kind = KindTransient
	}

	return &UploadError{Kind: kind, StatusCode: status, Message: msg}
}

// classifyTransport 网络层错误
func classifyTransport(err error) *UploadError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UploadError{Kind: KindTransient, Message: "upload timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &UploadError{Kind: KindTransient, Message: "upload canceled"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &UploadError{Kind: KindTransient, Message: fmt.Sprintf("network error: %v", err)}
	}
	return &UploadError{Kind: KindUnknown, Message: err.Error()}
}
