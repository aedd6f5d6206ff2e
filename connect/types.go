package connect

type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func descriptorPos(desc *Descriptor) Pos {
	pos := Pos{}
	if m, ok := desc.Fields["pos"].(map[string]any); ok {
		pos.X, _ = m["x"].(float64)
		pos.Y, _ = m["y"].(float64)
	}
	return pos
}

func descriptorName(desc *Descriptor) string {
	if name, ok := desc.String("name"); ok && name != "" {
		return name
	}
	return desc.Ref
}

type ContextState struct {
	Name  string
	Ready bool
}

type UserState struct {
	Name string
	Pos  Pos
}

type ItemState struct {
	Name     string
	Pos      Pos
	Cont     bool
	Portable bool
}

// ContextType, UserType and ItemType are registered on every new session.
var ContextType = &ObjectType{
	Tag: "context",
	Make: func(desc *Descriptor) any {
		return &ContextState{
			Name: descriptorName(desc),
		}
	},
	Ops: map[string]ObjectOp{
		"ready": func(self *Object, msg *Message) error {
			if state, ok := self.State.(*ContextState); ok {
				state.Ready = true
			}
			return nil
		},
	},
}

var UserType = &ObjectType{
	Tag: "user",
	Make: func(desc *Descriptor) any {
		return &UserState{
			Name: descriptorName(desc),
			Pos:  descriptorPos(desc),
		}
	},
}

var ItemType = &ObjectType{
	Tag: "item",
	Make: func(desc *Descriptor) any {
		return &ItemState{
			Name:     descriptorName(desc),
			Pos:      descriptorPos(desc),
			Cont:     desc.Bool("cont"),
			Portable: desc.Bool("portable"),
		}
	},
}
