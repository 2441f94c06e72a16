package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrForbidden           = NewErr("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrTitleInvalid        = NewErr("TITLE_INVALID", "title must be between 1 and 100 characters", http.StatusBadRequest)
	ErrContentRequired     = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrPasteTooLarge       = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrLanguageUnsupported = NewErr("LANGUAGE_UNSUPPORTED", "language not supported", http.StatusBadRequest)
	ErrEmptyPatch          = NewErr("EMPTY_PATCH", "no fields to update", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrShortCodeTaken      = NewErr("SHORT_CODE_TAKEN", "short code already in use", http.StatusConflict)
	ErrIDGenerationFailed  = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrStorage             = NewErr("STORAGE_ERROR", "storage unavailable", http.StatusInternalServerError)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
