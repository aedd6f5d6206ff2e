package connect

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
)

// ObjectOp handles one message sent to an object.
type ObjectOp func(self *Object, msg *Message) error

// ModOp handles one message sent to an object, on behalf of one of its mods.
type ModOp func(self *Mod, msg *Message) error

// TypeDef is one entry of the session type table. It is either an `*ObjectType` or a `*ModType`.
type TypeDef interface {
	TypeTag() string
}

// ObjectType describes the objects created by `make` messages that name its tag.
type ObjectType struct {
	Tag string
	// Make returns the type specific state of a new object. Optional.
	Make     func(desc *Descriptor) any
	Ops      map[string]ObjectOp
	OnMake   func(self *Object)
	OnDelete func(self *Object)
}

func (self *ObjectType) TypeTag() string {
	return self.Tag
}

// ModType describes a capability unit attached to objects through the `mods` list of a descriptor.
type ModType struct {
	Tag string
	// Make returns the state of a new mod. Optional.
	Make     func(desc *Descriptor) any
	Ops      map[string]ModOp
	OnMake   func(self *Mod)
	OnDelete func(self *Mod)
}

func (self *ModType) TypeTag() string {
	return self.Tag
}

// Object is one dispatchable entry of the session object table.
type Object struct {
	Ref  string
	Type string
	// descriptor properties, verbatim
	Fields map[string]any
	// type specific state from `ObjectType.Make`
	State any

	session    *Session
	objectType *ObjectType
	container  *Object
	contents   []*Object
	mods       map[string]*Mod
	modOrder   []*Mod
	// effective op table. Computed once at construction.
	ops map[string]func(msg *Message) error
}

func (self *Object) Session() *Session {
	return self.session
}

// Container is nil for root objects.
func (self *Object) Container() *Object {
	return self.container
}

func (self *Object) Contents() []*Object {
	contents := make([]*Object, len(self.contents))
	copy(contents, self.contents)
	return contents
}

func (self *Object) Name() string {
	if name, ok := self.Fields["name"].(string); ok && name != "" {
		return name
	}
	return self.Ref
}

func (self *Object) Mod(tag string) *Mod {
	return self.mods[tag]
}

// Mods returns the attached mods in the order they were attached.
func (self *Object) Mods() []*Mod {
	mods := make([]*Mod, len(self.modOrder))
	copy(mods, self.modOrder)
	return mods
}

func (self *Object) HasOp(op string) bool {
	_, ok := self.ops[op]
	return ok
}

func (self *Object) Ops() []string {
	ops := maps.Keys(self.ops)
	sort.Strings(ops)
	return ops
}

// Send sends `op` to this object's server side counterpart.
func (self *Object) Send(op string, fields map[string]any) {
	msg := map[string]any{}
	for k, v := range fields {
		msg[k] = v
	}
	msg["to"] = self.Ref
	msg["op"] = op
	self.session.Send(msg)
}

func (self *Object) String() string {
	return fmt.Sprintf("%s(%s)", self.Ref, self.Type)
}

func (self *Object) bind(ops map[string]ObjectOp) {
	for op, handler := range ops {
		handler := handler
		self.ops[op] = func(msg *Message) error {
			return handler(self, msg)
		}
	}
}

func (self *Object) attach(mod *Mod) {
	if prev, ok := self.mods[mod.Tag]; ok {
		for i, m := range self.modOrder {
			if m == prev {
				self.modOrder = append(self.modOrder[:i], self.modOrder[i+1:]...)
				break
			}
		}
	}
	self.mods[mod.Tag] = mod
	self.modOrder = append(self.modOrder, mod)
	for op, handler := range mod.modType.Ops {
		handler := handler
		self.ops[op] = func(msg *Message) error {
			return handler(mod, msg)
		}
	}
}

func (self *Object) removeContent(child *Object) {
	for i, c := range self.contents {
		if c == child {
			self.contents = append(self.contents[:i], self.contents[i+1:]...)
			return
		}
	}
}

// Mod is a capability unit bound to exactly one owning object.
type Mod struct {
	Tag string
	// descriptor properties, verbatim, without `type`
	Fields map[string]any
	// mod state from `ModType.Make`
	State any

	owner   *Object
	modType *ModType
}

func (self *Mod) Owner() *Object {
	return self.owner
}

func (self *Mod) String() string {
	return fmt.Sprintf("%s.%s", self.owner.Ref, self.Tag)
}
