package computer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Wire type discriminators.
const (
	TypeCommand  = "command"
	TypeUpdate   = "update"
	TypeResponse = "response"
)

// DefaultConfirmationToken is the bare frame a computer sends to confirm a command.
const DefaultConfirmationToken = "true"

// Kind is the classification of an inbound frame.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindUpdate
	KindConfirmation
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindConfirmation:
		return "confirmation"
	case KindResponse:
		return "response"
	default:
		return "unrecognized"
	}
}

// Command is an outbound instruction for a computer.
type Command struct {
	Type string `json:"type"`
	// ID is only set on commands that expect an id-matched response.
	ID        string   `json:"id,omitempty"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Timestamp int64    `json:"timestamp"`
}

// commandClock stamps commands. Timestamps never go backwards across calls,
// even if the wall clock does.
var commandClock = &monotonicClock{now: time.Now}

// EncodeCommand builds a command from an operator line. The first
// whitespace-separated word is the command name and the rest are its
// arguments. Any vocabulary is accepted.
//
//	EncodeCommand("move forward 3") // Command: "move", Args: ["forward", "3"]
func EncodeCommand(line string) Command {
	fields := strings.Fields(line)
	cmd := Command{
		Type:      TypeCommand,
		Args:      []string{},
		Timestamp: commandClock.Millis(),
	}
	if len(fields) > 0 {
		cmd.Command = fields[0]
		cmd.Args = append(cmd.Args, fields[1:]...)
	}
	return cmd
}

// Marshal returns the JSON wire form of the command.
func (c Command) Marshal() ([]byte, error) {
	if c.Args == nil {
		c.Args = []string{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding command %q: %w", c.Command, err)
	}
	return data, nil
}

// Line reassembles the operator line the command was built from.
func (c Command) Line() string {
	return strings.Join(append([]string{c.Command}, c.Args...), " ")
}

// Update is a state push from a computer.
type Update struct {
	ComputerName string
	ComputerID   string
	// Payload is the whole decoded object, numbers kept as json.Number.
	Payload map[string]any
}

// Key returns the identity key computerName + computerId.
func (u *Update) Key() (string, error) {
	if u.ComputerName == "" || u.ComputerID == "" {
		return "", fmt.Errorf("%w: update needs computerName and computerId", ErrMalformedPayload)
	}
	return u.ComputerName + u.ComputerID, nil
}

// StorageKey returns the store path for an identity key.
func StorageKey(key string) string {
	return "/" + key
}

// Response is a reply to a command that carried an id.
type Response struct {
	ID    string
	OK    bool
	Error string
}

// InboundMessage is one classified frame.
type InboundMessage struct {
	Kind Kind
	// Type is the observed discriminator, empty when the frame was not a JSON object.
	Type     string
	Raw      []byte
	Update   *Update
	Response *Response
	// Err says why a frame is unrecognized.
	Err error
}

// Classify checks the raw frame against the confirmation token, then
// falls back to Decode.
func Classify(raw []byte, token string) InboundMessage {
	if IsConfirmation(raw, token) {
		return InboundMessage{Kind: KindConfirmation, Raw: raw}
	}
	return Decode(raw)
}

// IsConfirmation reports whether raw is exactly the confirmation token.
func IsConfirmation(raw []byte, token string) bool {
	return token != "" && string(raw) == token
}

// Decode classifies a frame by its type field. It never fails: anything
// that is not a recognised JSON object comes back as KindUnrecognized with Err set.
func Decode(raw []byte) InboundMessage {
	msg := InboundMessage{Kind: KindUnrecognized, Raw: raw}

	fields, err := decodeObject(raw)
	if err != nil {
		msg.Err = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		return msg
	}

	msg.Type, _ = fields["type"].(string)
	switch msg.Type {
	case TypeUpdate:
		msg.Kind = KindUpdate
		msg.Update = &Update{
			ComputerName: stringField(fields, "computerName"),
			ComputerID:   stringField(fields, "computerId"),
			Payload:      fields,
		}
	case TypeResponse:
		ok, _ := fields["ok"].(bool)
		msg.Kind = KindResponse
		msg.Response = &Response{
			ID:    stringField(fields, "id"),
			OK:    ok,
			Error: stringField(fields, "error"),
		}
	default:
		msg.Err = fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	return fields, nil
}

// stringField reads a string or a number as text. Other types read as "".
func stringField(fields map[string]any, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type monotonicClock struct {
	last atomic.Int64
	now  func() time.Time
}

// Millis returns epoch milliseconds, never less than a previous result.
func (c *monotonicClock) Millis() int64 {
	now := c.now().UnixMilli()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
