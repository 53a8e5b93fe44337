package errs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CodeError carries a stable business code over the wire-facing layers.
// Detail is free text appended by intermediate callers.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// Wrap returns the error with a captured stack.
func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

// WrapMsg appends detail and captures a stack.
func (e *CodeError) WrapMsg(detail string, kv ...any) error {
	c := e.clone()
	d := toString(detail, kv)
	if c.Detail == "" {
		c.Detail = d
	} else {
		c.Detail += ", " + d
	}
	return errors.WithStack(c)
}

// Is reports whether err (possibly wrapped) is this code.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		sb.WriteString(" ")
		sb.WriteString(toStr(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(toStr(kv[i+1]))
		}
	}
	return sb.String()
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return errors.Errorf("%v", v).Error()
	}
}

// New creates a plain formatted error with a stack.
func New(format string, args ...any) error {
	return errors.Errorf(format, args...)
}

// Wrap attaches a stack to err (nil-safe).
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// WrapMsg annotates err with a message and stack (nil-safe).
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}
