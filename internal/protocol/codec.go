package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidMessage = errors.New("protocol: invalid message")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so errors match what clients sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// New wraps payload in an envelope of type t. Payloads are the plain structs
// of this package, which always encode.
func New(t Type, payload any) Message {
	m := Message{Type: t}
	if payload == nil {
		return m
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		m.Payload = raw
	}
	return m
}

// NewError builds an error message for code, using the code's default text
// when msg is empty.
func NewError(code Code, attemptID, roomID, msg string) Message {
	if msg == "" {
		msg = code.Text()
	}
	return New(TypeError, Error{AttemptID: attemptID, RoomID: roomID, Code: code, Message: msg})
}

// Decode parses one frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return m, nil
}

// Encode serializes m for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Bind decodes the payload into dst and runs struct validation.
func (m Message) Bind(dst any) error {
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s.%s failed %q", ErrInvalidMessage, m.Type, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// ValidateStruct exposes the shared validator for REST request bodies.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
