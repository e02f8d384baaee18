// Package webhook ingests gateway callbacks and reconciles them with the
// campaign ledger.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

// Kind is the normalised event name
type Kind string

const (
	KindConnectionUpdate Kind = "connection.update"
	KindMessagesUpdate   Kind = "messages.update"
	KindMessagesUpsert   Kind = "messages.upsert"
	KindSendMessage      Kind = "send.message"
)

var ErrInvalidEvent = errors.New("invalid webhook event")

// Envelope is the body posted by the gateway
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	EventID  string          `json:"eventId,omitempty"`
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time,omitempty"`
	APIKey   string          `json:"apikey,omitempty"`
}

// Event is a parsed envelope with the fields reconciliation needs
type Event struct {
	ID       string
	Kind     Kind
	Instance string

	// connection.update
	State models.ConnectionState

	// messages.update
	MessageID string
	Status    models.ContactStatus
	RawStatus string

	// messages.upsert
	RemoteJID string
	FromMe    bool
	Text      string
	Timestamp int64
}

type messageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type eventData struct {
	// connection.update
	State string `json:"state"`

	// messages.update (v2 flat form) and messages.upsert
	KeyID     string          `json:"keyId"`
	MessageID string          `json:"messageId"`
	RemoteJID string          `json:"remoteJid"`
	FromMe    *bool           `json:"fromMe"`
	Status    json.RawMessage `json:"status"`
	Key       *messageKey     `json:"key"`
	Update    *struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`

	Message          map[string]json.RawMessage `json:"message"`
	MessageTimestamp json.RawMessage            `json:"messageTimestamp"`
}

// Parse decodes and normalises a gateway callback
func Parse(body []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Event == "" || env.Instance == "" {
		return nil, fmt.Errorf("%w: event and instance are required", ErrInvalidEvent)
	}

	ev := &Event{Kind: normalizeKind(env.Event), Instance: env.Instance}

	data, err := decodeData(env.Data)
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case KindConnectionUpdate:
		ev.State = models.ParseConnectionState(strings.ToLower(data.State))
	case KindMessagesUpdate:
		ev.MessageID = data.KeyID
		if ev.MessageID == "" && data.Key != nil {
			ev.MessageID = data.Key.ID
		}
		status := data.Status
		if len(status) == 0 && data.Update != nil {
			status = data.Update.Status
		}
		ev.RawStatus = rawStatus(status)
		ev.Status = MapStatus(ev.RawStatus)
	case KindMessagesUpsert, KindSendMessage:
		if data.Key != nil {
			ev.MessageID = data.Key.ID
			ev.RemoteJID = data.Key.RemoteJID
			ev.FromMe = data.Key.FromMe
		} else {
			ev.MessageID = data.KeyID
			ev.RemoteJID = data.RemoteJID
			ev.FromMe = data.FromMe != nil && *data.FromMe
		}
		ev.Text = messageText(data.Message)
		ev.Timestamp = int64(number(data.MessageTimestamp))
	}

	ev.ID = env.ID
	if ev.ID == "" {
		ev.ID = env.EventID
	}
	if ev.ID == "" {
		ts := env.DateTime
		if ts == "" && ev.Timestamp > 0 {
			ts = strconv.FormatInt(ev.Timestamp, 10)
		}
		ref, status := ev.MessageID, ev.RawStatus
		if ev.Kind == KindConnectionUpdate {
			// state alone repeats across reconnect cycles
			sum := sha256.Sum256(env.Data)
			ref, status = hex.EncodeToString(sum[:8]), string(ev.State)
		}
		ev.ID = DeriveID(ev.Instance, string(ev.Kind), ref, status, ts)
	}
	return ev, nil
}

// Stamp sets date_time to the reception time on a connection.update that
// carries neither an id nor a date_time, so two identical state reports
// received apart derive different ids. Other bodies are returned as is.
func Stamp(body []byte, receivedAt time.Time) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.ID != "" || env.EventID != "" || env.DateTime != "" || normalizeKind(env.Event) != KindConnectionUpdate {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	stamp, err := json.Marshal(receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	fields["date_time"] = stamp
	return json.Marshal(fields)
}

// DeriveID hashes the fields that identify an event lacking a gateway id
func DeriveID(instance, event, messageID, status, timestamp string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{instance, event, messageID, status, timestamp}, "|")))
	return hex.EncodeToString(sum[:])
}

// normalizeKind accepts both MESSAGES_UPDATE and messages.update
func normalizeKind(event string) Kind {
	return Kind(strings.ReplaceAll(strings.ToLower(event), "_", "."))
}

// decodeData accepts an object or a batch of one, as older gateways send
func decodeData(raw json.RawMessage) (eventData, error) {
	var data eventData
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return data, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var batch []eventData
		if err := json.Unmarshal(raw, &batch); err != nil {
			return data, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if len(batch) > 0 {
			data = batch[0]
		}
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return data, nil
}

// numeric acknowledgement levels
var ackNames = map[int]string{
	0: "ERROR",
	1: "PENDING",
	2: "SERVER_ACK",
	3: "DELIVERY_ACK",
	4: "READ",
	5: "PLAYED",
}

func rawStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.ToUpper(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return ackNames[n]
	}
	return ""
}

// MapStatus maps a gateway acknowledgement onto the ledger. Unknown or
// intermediate states map to "".
func MapStatus(raw string) models.ContactStatus {
	switch strings.ToUpper(raw) {
	case "SERVER_ACK":
		return models.ContactSent
	case "DELIVERY_ACK":
		return models.ContactDelivered
	case "READ", "PLAYED":
		return models.ContactRead
	case "ERROR", "FAILED":
		return models.ContactFailed
	}
	return ""
}

func messageText(msg map[string]json.RawMessage) string {
	if msg == nil {
		return ""
	}
	if raw, ok := msg["conversation"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	for _, field := range []struct{ name, key string }{
		{"extendedTextMessage", "text"},
		{"imageMessage", "caption"},
		{"videoMessage", "caption"},
		{"documentMessage", "caption"},
		{"buttonsResponseMessage", "selectedDisplayText"},
		{"listResponseMessage", "title"},
	} {
		raw, ok := msg[field.name]
		if !ok {
			continue
		}
		var inner map[string]any
		if json.Unmarshal(raw, &inner) != nil {
			continue
		}
		if s, ok := inner[field.key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// number reads a JSON number or numeric string
func number(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		f, _ = strconv.ParseFloat(s, 64)
	}
	return f
}
