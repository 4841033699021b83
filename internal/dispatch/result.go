package dispatch

import "school-messaging/internal/model"

// Code classifies the outcome of a send.
type Code string

const (
	CodeOK               Code = "OK"
	CodeNotReady         Code = "NOT_READY"
	CodeNotConnected     Code = "NOT_CONNECTED"
	CodeSendFailure      Code = "SEND_FAILURE"
	CodeInvalidRecipient Code = "INVALID_RECIPIENT"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
)

// Result is the classified outcome of a send. It is returned, never thrown.
type Result struct {
	Code Code `json:"code"`
	// SubStatus is set with NOT_READY so callers can tell "scan the code" from "starting up".
	SubStatus model.SessionStatus `json:"sub_status,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
}

func (r Result) OK() bool {
	return r.Code == CodeOK
}

func failure(code Code, detail string) Result {
	return Result{Code: code, Detail: detail}
}

func notReady(status model.SessionStatus) Result {
	return Result{Code: CodeNotReady, SubStatus: status, Detail: "messaging session is not ready"}
}
