package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// classifyTransport maps a failed round trip to a retryable outcome
func classifyTransport(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure(KindRetryable, ClassTimeout, err.Error(), 0)
	case errors.As(err, &netErr) && netErr.Timeout():
		return failure(KindRetryable, ClassTimeout, err.Error(), 0)
	case errors.Is(err, syscall.ECONNREFUSED):
		return failure(KindRetryable, ClassConnectionRefused, err.Error(), 0)
	}
	return failure(KindRetryable, ClassNetwork, err.Error(), 0)
}

// errorMessage flattens the error payloads Evolution returns
// ({"response":{"message":[...]}} or {"message": "..."}) into one lowercase string
func errorMessage(body []byte) string {
	var payload struct {
		Error    string          `json:"error"`
		Message  json.RawMessage `json:"message"`
		Response struct {
			Message json.RawMessage `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.ToLower(strings.TrimSpace(string(body)))
	}
	parts := []string{payload.Error}
	for _, raw := range []json.RawMessage{payload.Message, payload.Response.Message} {
		if len(raw) > 0 {
			parts = append(parts, string(raw))
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// classifyStatus maps a non-2xx gateway answer to an outcome
func classifyStatus(status int, body []byte) Result {
	msg := errorMessage(body)
	detail := truncate(msg, 500)

	// Evolution reports a dropped session as a 400 or 500 with text
	switch {
	case strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "not connected"),
		strings.Contains(msg, "instance closed"):
		return failure(KindInstanceUnavailable, ClassInstanceClosed, detail, status)
	case strings.Contains(msg, "does not exist") && strings.Contains(msg, "instance"):
		return failure(KindInstanceUnavailable, ClassInstanceUnknown, detail, status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure(KindInstanceUnavailable, ClassUnauthorized, detail, status)
	case status == http.StatusNotFound:
		return failure(KindInstanceUnavailable, ClassInstanceUnknown, detail, status)
	case status == http.StatusTooManyRequests:
		return failure(KindRetryable, ClassRateLimited, detail, status)
	case status == http.StatusRequestTimeout:
		return failure(KindRetryable, ClassTimeout, detail, status)
	case status >= 500:
		return failure(KindRetryable, ClassServerError, detail, status)
	}

	switch {
	case strings.Contains(msg, `"exists":false`),
		strings.Contains(msg, "invalid number"),
		strings.Contains(msg, "not on whatsapp"):
		return failure(KindPermanent, ClassRecipientInvalid, detail, status)
	case strings.Contains(msg, "blocked"):
		return failure(KindPermanent, ClassRecipientBlocked, detail, status)
	case strings.Contains(msg, "opt-out"), strings.Contains(msg, "opted out"), strings.Contains(msg, "optout"):
		return failure(KindPermanent, ClassRecipientOptedOut, detail, status)
	}
	return failure(KindPermanent, ClassRejected, detail, status)
}

// messageID reads messageId, or key.id as sent by Evolution v2
func messageID(body []byte) string {
	var payload struct {
		MessageID string `json:"messageId"`
		Key       struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.MessageID != "" {
		return payload.MessageID
	}
	return payload.Key.ID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
