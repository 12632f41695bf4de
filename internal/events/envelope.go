package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrMalformedEnvelope is returned when a message cannot be decoded into an
	// envelope or is missing eventId, eventType or data.
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	// ErrMalformedPayload is returned when the data of a known event type does
	// not satisfy its payload contract.
	ErrMalformedPayload = errors.New("malformed event payload")
)

var validate = validator.New()

// Envelope is the wire shape shared by every platform event
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Version   string          `json:"version,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// New builds an envelope for payload with a fresh event id
func New(eventType, source string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "failed to marshal %s payload", eventType)
	}

	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Version:   SchemaVersion,
		Data:      data,
	}, nil
}

// Decode parses raw bytes into an envelope and checks the required fields.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the envelope carries an id, a type and a payload
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.Wrap(ErrMalformedEnvelope, "missing eventId")
	case e.EventType == "":
		return errors.Wrap(ErrMalformedEnvelope, "missing eventType")
	case len(bytes.TrimSpace(e.Data)) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")):
		return errors.Wrap(ErrMalformedEnvelope, "missing data")
	}
	return nil
}

// Marshal encodes the envelope for the wire
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PartitionKey returns data.orderId when the payload carries one. Events about
// the same order share a key so brokers and the dispatcher keep them ordered.
func (e Envelope) PartitionKey() string {
	var keyed struct {
		OrderID ID `json:"orderId"`
	}
	if err := json.Unmarshal(e.Data, &keyed); err != nil {
		return ""
	}
	return string(keyed.OrderID)
}

// DecodeData unmarshals the envelope payload into T and validates it
func DecodeData[T any](e Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, errors.Wrapf(ErrMalformedPayload, "%s: %v", e.EventType, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, errors.Wrapf(ErrMalformedPayload, "%s: %v", e.EventType, err)
	}
	return out, nil
}

// IsMalformed reports whether err means the message can never be processed
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrMalformedPayload)
}

// ID is an identifier that other services send either as a JSON string or as
// a number. It is always carried as a string here.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return errors.Errorf("invalid numeric id %s", n)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
