package errcode

import (
	"fmt"
	"runtime"
	"strings"
)

type frame struct {
	file string
	line int
	msg  string
}

// ErrorStack wraps an ErrorCode with a chain of capture sites. Inner
// operations return bare codes; boundary operations wrap with Stack or
// Stackf and callers may add context with Wrap as the error propagates.
type ErrorStack struct {
	code   ErrorCode
	frames []frame
}

func capture(skip int, msg string) frame {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		file = "???"
		line = 0
	} else if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return frame{file: file, line: line, msg: msg}
}

func Stack(code ErrorCode) *ErrorStack {
	return &ErrorStack{
		code:   code,
		frames: []frame{capture(1, "")},
	}
}

func Stackf(code ErrorCode, format string, args ...interface{}) *ErrorStack {
	return &ErrorStack{
		code:   code,
		frames: []frame{capture(1, fmt.Sprintf(format, args...))},
	}
}

// Wrapf adds a capture site to an existing error. A bare ErrorCode becomes
// an ErrorStack; any other error is carried as an Internal stack.
func Wrapf(err error, format string, args ...interface{}) *ErrorStack {
	es, ok := err.(*ErrorStack)
	if !ok {
		code, ok := err.(ErrorCode)
		if !ok {
			code = Internal
		}
		es = &ErrorStack{code: code}
		if _, isCode := err.(ErrorCode); !isCode {
			es.frames = append(es.frames, frame{msg: err.Error()})
		}
	}
	es.frames = append(es.frames, capture(1, fmt.Sprintf(format, args...)))
	return es
}

func (es *ErrorStack) Code() ErrorCode {
	return es.code
}

func (es *ErrorStack) Error() string {
	var sb strings.Builder
	sb.WriteString("errcode: ")
	sb.WriteString(es.code.String())
	for _, f := range es.frames {
		sb.WriteString("\n    ")
		if f.file != "" {
			fmt.Fprintf(&sb, "%s:%d", f.file, f.line)
		}
		if f.msg != "" {
			if f.file != "" {
				sb.WriteString(": ")
			}
			sb.WriteString(f.msg)
		}
	}
	return sb.String()
}

// CodeOf extracts the ErrorCode from err; nil maps to Ok and unknown
// errors map to Internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Ok
	}
	switch e := err.(type) {
	case ErrorCode:
		return e
	case *ErrorStack:
		return e.code
	}
	return Internal
}
