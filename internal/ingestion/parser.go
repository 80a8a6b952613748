package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/types"
)

// ErrMalformed wraps every wire decoding failure.
var ErrMalformed = fmt.Errorf("%w: malformed message", core.ErrInvalidCommand)

// ErrInternalOnly rejects wire traffic that impersonates the settlement
// pipeline, either by message type or by an entity sender identity.
var ErrInternalOnly = failure.Unauthorized("internal_only")

// internalMessages are sent only by the pipeline between linked entities.
var internalMessages = map[event.MessageType]bool{
	event.MsgSyncOraclePrice:  true,
	event.MsgSyncProtocolRisk: true,
	event.MsgCollateralLocked: true,
}

// Route is the transport metadata that overrides the payload: the entity
// named by the subject or path, and the sender the transport authenticated.
type Route struct {
	Entity types.EntityID
	Sender types.Address
}

// amountFields accept either integer nanoton or a decimal TON string.
var amountFields = map[string]bool{
	"value":   true,
	"amount":  true,
	"min_bid": true,
	"price":   true,
}

// ParseCommand converts a wire payload into a typed command. Keys may be
// snake_case or camelCase. Unknown fields are rejected so a typo cannot
// silently drop an argument.
func ParseCommand(mt event.MessageType, data []byte, route Route) (event.Command, error) {
	if _, ok := event.NewCommand(mt); !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, mt)
	}
	if internalMessages[mt] {
		return nil, ErrInternalOnly.With("%s is a pipeline message", mt)
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, mt, err)
	}

	canon := make(map[string]json.RawMessage, len(fields)+2)
	for k, v := range fields {
		key := snakeCase(k)
		if _, dup := canon[key]; dup {
			return nil, fmt.Errorf("%w: field %q given twice", ErrMalformed, key)
		}
		if amountFields[key] {
			n, err := parseAmount(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
			}
			v = json.RawMessage(fmt.Sprint(n))
		}
		canon[key] = v
	}

	if err := applyRoute(canon, route); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cmd, _ := event.NewCommand(mt)
	strict := json.NewDecoder(bytes.NewReader(payload))
	strict.DisallowUnknownFields()
	if err := strict.Decode(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, mt, err)
	}

	h := cmd.Meta()
	if h.MessageID == uuid.Nil {
		return nil, fmt.Errorf("%w: message_id is required", ErrMalformed)
	}
	if h.Entity == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrMalformed)
	}
	if h.Sender.IsZero() {
		return nil, fmt.Errorf("%w: sender is required", ErrMalformed)
	}
	if _, ok := types.EntityOf(h.Sender); ok {
		return nil, ErrInternalOnly.With("sender %s is an entity identity", h.Sender)
	}
	if h.SentAt <= 0 {
		return nil, fmt.Errorf("%w: sent_at must be positive", ErrMalformed)
	}
	return cmd, nil
}

func applyRoute(canon map[string]json.RawMessage, route Route) error {
	set := func(key, want string) error {
		if want == "" {
			return nil
		}
		if raw, ok := canon[key]; ok {
			var got string
			if err := json.Unmarshal(raw, &got); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
			}
			if got != want {
				return fmt.Errorf("%w: %s %q does not match transport %q", ErrMalformed, key, got, want)
			}
		}
		b, _ := json.Marshal(want)
		canon[key] = b
		return nil
	}
	if err := set("entity", string(route.Entity)); err != nil {
		return err
	}
	return set("sender", string(route.Sender))
}

func parseAmount(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return types.ParseTON(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("integer nanoton expected, got %s", n)
	}
	return v, nil
}

// snakeCase maps messageId to message_id; snake_case keys pass through.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
