package gateway

import "fmt"

// Kind is the dispatch-relevant outcome of a send
type Kind string

const (
	KindOK                  Kind = "ok"
	KindRetryable           Kind = "retryable"
	KindInstanceUnavailable Kind = "instance_unavailable"
	KindPermanent           Kind = "permanent"
)

// Error classes
const (
	ClassTimeout           = "timeout"
	ClassNetwork           = "network"
	ClassConnectionRefused = "connection_refused"
	ClassServerError       = "server_error"
	ClassRateLimited       = "rate_limited"
	ClassInstanceClosed    = "instance_closed"
	ClassInstanceUnknown   = "instance_unknown"
	ClassUnauthorized      = "unauthorized"
	ClassRecipientInvalid  = "recipient_invalid"
	ClassRecipientBlocked  = "recipient_blocked"
	ClassRecipientOptedOut = "recipient_opted_out"
	ClassRejected          = "rejected"
	ClassMalformedResponse = "malformed_response"
)

// Result is the classified answer of one gateway call
type Result struct {
	Kind       Kind
	MessageID  string
	Class      string
	Detail     string
	StatusCode int
}

// Err returns nil for KindOK and an *Error otherwise
func (r Result) Err() error {
	if r.Kind == KindOK {
		return nil
	}
	return &Error{Kind: r.Kind, Class: r.Class, Detail: r.Detail, StatusCode: r.StatusCode}
}

// Error is a failed gateway call
type Error struct {
	Kind       Kind
	Class      string
	Detail     string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s (%s, status %d): %s", e.Kind, e.Class, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("gateway %s (%s): %s", e.Kind, e.Class, e.Detail)
}

func ok(messageID string, status int) Result {
	return Result{Kind: KindOK, MessageID: messageID, StatusCode: status}
}

func failure(kind Kind, class, detail string, status int) Result {
	return Result{Kind: kind, Class: class, Detail: detail, StatusCode: status}
}
