package protocol

// Code is the machine-readable reason carried by error messages.
type Code string

const (
	CodeTeacherUnavailable  Code = "teacher-unavailable"
	CodeInsufficientBalance Code = "insufficient-balance"
	CodeTimeout             Code = "timeout"
	CodeAlreadyTerminal     Code = "already-terminal"
	CodeCallInProgress      Code = "call-in-progress"
	CodeTeacherBusy         Code = "teacher-busy"
	CodeForbidden           Code = "forbidden"
	CodeInvalidMessage      Code = "invalid-message"
	CodeNotFound            Code = "not-found"
	CodeInternal            Code = "internal"
)

var codeText = map[Code]string{
	CodeTeacherUnavailable:  "teacher is not available for calls",
	CodeInsufficientBalance: "no remaining minutes on the selected package",
	CodeTimeout:             "teacher did not answer in time",
	CodeAlreadyTerminal:     "call attempt already finished",
	CodeCallInProgress:      "another call attempt is still in progress",
	CodeTeacherBusy:         "teacher is already in a call",
	CodeForbidden:           "not allowed for this identity",
	CodeInvalidMessage:      "message could not be processed",
	CodeNotFound:            "unknown call or room",
	CodeInternal:            "internal error",
}

// Text is the default human-readable message for c.
func (c Code) Text() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return string(c)
}
