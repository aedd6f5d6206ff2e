package connect

import (
	"encoding/json"
	"errors"
	"fmt"
)

// well known refs
const (
	SessionRef  = "session"
	ErrorRef    = "error"
	DirectorRef = "director"
)

// Message is one inbound `{to, op, ...}` envelope.
// The opcode fields stay in the raw JSON until a handler decodes its variant with `Decode`.
type Message struct {
	To string
	Op string

	raw json.RawMessage
}

func NewMessage(to string, op string) *Message {
	raw, _ := json.Marshal(map[string]string{
		"to": to,
		"op": op,
	})
	return &Message{
		To:  to,
		Op:  op,
		raw: raw,
	}
}

// ParseMessage parses one line of the wire format.
func ParseMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (self *Message) UnmarshalJSON(data []byte) error {
	var envelope struct {
		To *string `json:"to"`
		Op *string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("bad message envelope: %w", err)
	}
	if envelope.To == nil {
		return errors.New("message has no 'to'")
	}
	if envelope.Op == nil {
		return errors.New("message has no 'op'")
	}
	self.To = *envelope.To
	self.Op = *envelope.Op
	self.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (self *Message) MarshalJSON() ([]byte, error) {
	if self.raw != nil {
		return self.raw, nil
	}
	return json.Marshal(map[string]string{
		"to": self.To,
		"op": self.Op,
	})
}

// Decode unmarshals the full message into the opcode variant `v`.
func (self *Message) Decode(v any) error {
	return json.Unmarshal(self.raw, v)
}

func (self *Message) Raw() json.RawMessage {
	return self.raw
}

func (self *Message) String() string {
	if self.raw == nil {
		return fmt.Sprintf(`{"to":%q,"op":%q}`, self.To, self.Op)
	}
	return string(self.raw)
}

// Descriptor describes an object or mod in a `make` message.
// `Fields` holds every descriptor property verbatim, including ref, type and mods.
type Descriptor struct {
	Ref    string
	Type   string
	Mods   []*Descriptor
	Fields map[string]any
}

func (self *Descriptor) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var known struct {
		Ref  string        `json:"ref"`
		Type string        `json:"type"`
		Mods []*Descriptor `json:"mods"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	self.Ref = known.Ref
	self.Type = known.Type
	self.Mods = known.Mods
	self.Fields = fields
	return nil
}

func (self *Descriptor) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	for k, v := range self.Fields {
		fields[k] = v
	}
	if self.Ref != "" {
		fields["ref"] = self.Ref
	}
	if self.Type != "" {
		fields["type"] = self.Type
	}
	if 0 < len(self.Mods) {
		fields["mods"] = self.Mods
	}
	return json.Marshal(fields)
}

// String returns the named field if it is a string.
func (self *Descriptor) String(name string) (string, bool) {
	v, ok := self.Fields[name].(string)
	return v, ok
}

func (self *Descriptor) Bool(name string) bool {
	v, _ := self.Fields[name].(bool)
	return v
}

// `make` variant
type MakeMessage struct {
	To  string      `json:"to"`
	Op  string      `json:"op"`
	Obj *Descriptor `json:"obj"`
	You bool        `json:"you,omitempty"`
}

func (self *MakeMessage) Validate() error {
	if self.Obj == nil {
		return errors.New("make with no 'obj'")
	}
	if self.Obj.Ref == "" {
		return errors.New("make with no 'ref' for new object")
	}
	return nil
}

// `exit` variant, sent to the session object
type ExitMessage struct {
	Why     string `json:"why,omitempty"`
	WhyCode string `json:"whycode,omitempty"`
	Reload  bool   `json:"reload,omitempty"`
}

// `debug` variant, sent to the error object
type DebugMessage struct {
	Msg string `json:"msg"`
}

// `reserve` reply from the director
type ReserveMessage struct {
	Context     string `json:"context,omitempty"`
	User        string `json:"user,omitempty"`
	Hostport    string `json:"hostport,omitempty"`
	Reservation string `json:"reservation,omitempty"`
	Deny        string `json:"deny,omitempty"`
	Tag         string `json:"tag,omitempty"`
}

func (self *ReserveMessage) Granted() bool {
	return self.Deny == "" && self.Reservation != "" && self.Hostport != ""
}

// outbound `entercontext`
type EnterContextMessage struct {
	To      string `json:"to"`
	Op      string `json:"op"`
	Context string `json:"context"`
	Ctmpl   string `json:"ctmpl,omitempty"`
	Auth    string `json:"auth,omitempty"`
	Name    string `json:"name,omitempty"`
	User    string `json:"user,omitempty"`
	Utag    string `json:"utag,omitempty"`
	Uparam  string `json:"uparam,omitempty"`
}

type AuthDesc struct {
	Mode string `json:"mode"`
	Code string `json:"code,omitempty"`
	Id   string `json:"id,omitempty"`
}

// outbound director `auth`
type DirectorAuthMessage struct {
	To    string    `json:"to"`
	Op    string    `json:"op"`
	Auth  *AuthDesc `json:"auth,omitempty"`
	Label string    `json:"label,omitempty"`
}

// outbound director `reserve`
type ReserveRequestMessage struct {
	To       string `json:"to"`
	Op       string `json:"op"`
	Protocol string `json:"protocol"`
	Context  string `json:"context"`
}
