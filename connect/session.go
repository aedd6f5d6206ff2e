package connect

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

var ErrNotConnected = errors.New("not connected")

// Session owns the object table and the type table, dispatches inbound messages to objects,
// and drives one connection at a time.
// All methods must be called on the session loop. Use `Loop().Post` or `Loop().Call` from elsewhere.
type Session struct {
	loop     *Loop
	settings *SessionSettings

	objects map[string]*Object
	types   map[string]TypeDef

	conn    Connection
	user    *Object
	context *Object

	sessionObject *Object
	errorObject   *Object

	logError   LogFunction
	logWarning LogFunction
}

func NewSessionWithDefaults(loop *Loop) *Session {
	return NewSession(loop, DefaultSessionSettings())
}

func NewSession(loop *Loop, settings *SessionSettings) *Session {
	if settings.Dialer == nil {
		settings.Dialer = NewPollDialerWithDefaults()
	}
	session := &Session{
		loop:       loop,
		settings:   settings,
		objects:    map[string]*Object{},
		types:      map[string]TypeDef{},
		logError:   LogFn(SeverityError, "[session]"),
		logWarning: LogFn(SeverityWarning, "[session]"),
	}

	session.sessionObject = session.NewObject(SessionRef, map[string]ObjectOp{
		"make": session.opMake,
		"exit": session.opExit,
	})
	session.errorObject = session.NewObject(ErrorRef, map[string]ObjectOp{
		"debug": session.opDebug,
	})
	session.resetObjects()

	session.AddType(ContextType)
	session.AddType(UserType)
	session.AddType(ItemType)
	return session
}

func (self *Session) Loop() *Loop {
	return self.loop
}

func (self *Session) AddType(typeDef TypeDef) {
	self.types[typeDef.TypeTag()] = typeDef
}

func (self *Session) Type(tag string) TypeDef {
	return self.types[tag]
}

// NewObject creates an unregistered root object whose op table is exactly `ops`.
func (self *Session) NewObject(ref string, ops map[string]ObjectOp) *Object {
	obj := &Object{
		Ref:     ref,
		Fields:  map[string]any{"ref": ref},
		session: self,
		mods:    map[string]*Mod{},
		ops:     map[string]func(*Message) error{},
	}
	obj.bind(ops)
	return obj
}

// AddObject registers `obj` for lookup and dispatch.
func (self *Session) AddObject(obj *Object) error {
	if prev, ok := self.objects[obj.Ref]; ok && prev != obj {
		return fmt.Errorf("object '%s' already exists", obj.Ref)
	}
	self.objects[obj.Ref] = obj
	return nil
}

func (self *Session) Object(ref string) *Object {
	return self.objects[ref]
}

func (self *Session) RemoveObject(obj *Object) {
	if self.objects[obj.Ref] == obj {
		delete(self.objects, obj.Ref)
	}
}

// Refs returns the refs in the object table, sorted.
func (self *Session) Refs() []string {
	refs := maps.Keys(self.objects)
	sort.Strings(refs)
	return refs
}

// User is the object the server marked as this client's user.
func (self *Session) User() *Object {
	return self.user
}

// Context is the most recently made context object.
func (self *Session) Context() *Object {
	return self.context
}

func (self *Session) Connection() Connection {
	return self.conn
}

func (self *Session) resetObjects() {
	self.objects = map[string]*Object{}
	self.sessionObject.contents = nil
	self.user = nil
	self.context = nil
	self.objects[SessionRef] = self.sessionObject
	self.objects[ErrorRef] = self.errorObject
}

// Send sends a message on the session's connection.
func (self *Session) Send(msg any) error {
	if self.conn == nil {
		self.logWarning("send with no connection: %v", msg)
		return ErrNotConnected
	}
	self.conn.Send(msg)
	return nil
}

// Connect opens a connection to `root` with the session dialer, replacing any existing connection.
func (self *Session) Connect(root string) {
	if self.conn != nil {
		self.Disconnect()
	}
	glog.V(1).Infof("[session]connect %s\n", root)
	var conn Connection
	conn = self.settings.Dialer.Dial(
		self.loop,
		root,
		self.Dispatch,
		func(message string, task Task, errTag string) {
			self.handleFailure(conn, message, task, errTag)
		},
	)
	self.conn = conn
}

// Disconnect drops the connection and clears the object table back to the reserved objects.
func (self *Session) Disconnect() {
	if self.conn != nil {
		self.conn.Disconnect()
		self.conn = nil
	}
	self.resetObjects()
}

func (self *Session) handleFailure(conn Connection, message string, task Task, errTag string) {
	if conn != self.conn {
		// replaced
		return
	}
	self.logError("Server connection error: '%s', task=%s, error=%s", message, task, errTag)
	if self.settings.OnFailure != nil {
		self.settings.OnFailure(message, task, errTag)
	}
}

// Dispatch routes one inbound message to its target object.
// Problems with the message are logged and only this message is dropped.
func (self *Session) Dispatch(msg *Message) {
	obj, ok := self.objects[msg.To]
	if !ok {
		self.logError("Server sent message to unknown object '%s'", msg.To)
		return
	}
	handler, ok := obj.ops[msg.Op]
	if !ok {
		self.logError("Server sent message to '%s' with unsupported op '%s'", msg.To, msg.Op)
		return
	}
	HandleError(
		func() {
			if err := handler(msg); err != nil {
				self.logError("Error '%s' handling message: %s", err, msg)
			}
		},
		func(err error) {
			self.logError("Error '%s' handling message: %s", err, msg)
		},
	)
}

// basic ops for every object created by `make`
func (self *Session) basicOps() map[string]ObjectOp {
	return map[string]ObjectOp{
		"make":   self.opMake,
		"delete": self.opDelete,
	}
}

func (self *Session) newBasicObject(desc *Descriptor, objectType *ObjectType) *Object {
	fields := map[string]any{}
	for k, v := range desc.Fields {
		fields[k] = v
	}
	obj := &Object{
		Ref:        desc.Ref,
		Type:       desc.Type,
		Fields:     fields,
		session:    self,
		objectType: objectType,
		mods:       map[string]*Mod{},
		ops:        map[string]func(*Message) error{},
	}
	obj.bind(self.basicOps())
	if objectType == nil {
		return obj
	}

	if objectType.Make != nil {
		obj.State = objectType.Make(desc)
	}
	obj.bind(objectType.Ops)
	for _, modDesc := range desc.Mods {
		if modDesc == nil {
			continue
		}
		modType, ok := self.types[modDesc.Type].(*ModType)
		if !ok {
			self.logWarning("Object '%s' specifies unknown mod type '%s' (ignored)", desc.Ref, modDesc.Type)
			continue
		}
		modFields := map[string]any{}
		for k, v := range modDesc.Fields {
			if k != "type" {
				modFields[k] = v
			}
		}
		mod := &Mod{
			Tag:     modDesc.Type,
			Fields:  modFields,
			owner:   obj,
			modType: modType,
		}
		if modType.Make != nil {
			mod.State = modType.Make(modDesc)
		}
		obj.attach(mod)
	}
	return obj
}

func (self *Session) opMake(container *Object, msg *Message) error {
	var makeMessage MakeMessage
	if err := msg.Decode(&makeMessage); err != nil {
		return fmt.Errorf("malformed make: %w", err)
	}
	if err := makeMessage.Validate(); err != nil {
		return err
	}
	desc := makeMessage.Obj
	if _, ok := self.objects[desc.Ref]; ok {
		return fmt.Errorf("make for preexisting object '%s'", desc.Ref)
	}

	var objectType *ObjectType
	if desc.Type == "" {
		self.logWarning("Make with no type for new object: %s", msg)
	} else if typeDef, ok := self.types[desc.Type]; !ok {
		self.logWarning("Make specifies unknown object type '%s' (ignored)", desc.Type)
	} else if objectType, ok = typeDef.(*ObjectType); !ok {
		self.logWarning("Make specifies mod type '%s' for an object (ignored)", desc.Type)
	}

	obj := self.newBasicObject(desc, objectType)
	obj.container = container
	container.contents = append(container.contents, obj)
	if makeMessage.You {
		self.user = obj
	}
	if desc.Type == ContextType.Tag {
		self.context = obj
	}

	for _, mod := range obj.modOrder {
		if mod.modType.OnMake != nil {
			HandleError(func() {
				mod.modType.OnMake(mod)
			})
		}
	}
	if objectType != nil && objectType.OnMake != nil {
		HandleError(func() {
			objectType.OnMake(obj)
		})
	}

	// registered last so hooks see a linked object that nothing can dispatch to yet
	self.objects[desc.Ref] = obj
	glog.V(2).Infof("[session]made %s in %s\n", obj, container.Ref)
	return nil
}

func (self *Session) opDelete(obj *Object, msg *Message) error {
	if obj == self.sessionObject || obj == self.errorObject {
		return fmt.Errorf("delete of reserved object '%s'", obj.Ref)
	}
	if obj.container != nil {
		obj.container.removeContent(obj)
		obj.container = nil
	}

	for _, mod := range obj.modOrder {
		if mod.modType.OnDelete != nil {
			HandleError(func() {
				mod.modType.OnDelete(mod)
			})
		}
	}
	if obj.objectType != nil && obj.objectType.OnDelete != nil {
		HandleError(func() {
			obj.objectType.OnDelete(obj)
		})
	}

	self.RemoveObject(obj)
	if self.user == obj {
		self.user = nil
	}
	if self.context == obj {
		self.context = nil
	}
	glog.V(2).Infof("[session]deleted %s\n", obj)
	return nil
}

func (self *Session) opExit(obj *Object, msg *Message) error {
	var exit ExitMessage
	if err := msg.Decode(&exit); err != nil {
		return err
	}
	if exit.Why != "" {
		self.logWarning("Session closed by server: %s", exit.Why)
	} else {
		self.logWarning("Session closed by server: %s", msg)
	}
	self.Disconnect()
	return nil
}

func (self *Session) opDebug(obj *Object, msg *Message) error {
	var debug DebugMessage
	if err := msg.Decode(&debug); err != nil {
		return err
	}
	self.logError("Server debug message: %s", debug.Msg)
	return nil
}
