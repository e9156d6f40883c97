package schema

import (
	"encoding/binary"
	"hash/fnv"
	"strings"

	"github.com/wippyai/capbridge/errors"
	"go.bytecodealliance.org/wit"
)

// builder turns one parsed descriptor file into nodes. Declarations are
// collected first so types may refer to each other in any order.
type builder struct {
	reg     *Registry
	file    string
	imports map[string]string
	search  []string
	stack   []string
	byPath  map[string]*Node
	nodes   []*Node
	pending []pendingDef
}

type pendingDef struct {
	desc  *typeDesc
	node  *Node
	scope []string
}

var builtinTypes = map[string]Type{
	"void":       Void{},
	"Void":       Void{},
	"text":       Text{},
	"Text":       Text{},
	"data":       Data{},
	"Data":       Data{},
	"Bool":       Bool{},
	"Int8":       Int8{},
	"Int16":      Int16{},
	"Int32":      Int32{},
	"Int64":      Int64{},
	"UInt8":      Uint8{},
	"UInt16":     Uint16{},
	"UInt32":     Uint32{},
	"UInt64":     Uint64{},
	"Float32":    Float32{},
	"Float64":    Float64{},
	"anypointer": AnyPointer{},
	"AnyPointer": AnyPointer{},
}

// FileID derives the id of a descriptor file from its base name.
func FileID(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64() | 1<<63
}

// ChildID derives the id of a node declared under parent.
func ChildID(parent uint64, name string) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], parent)
	h := fnv.New64a()
	h.Write(b[:])
	h.Write([]byte(name))
	return h.Sum64() | 1<<63
}

func (b *builder) newNode(id, scope uint64, name, short string, kind NodeKind) *Node {
	n := &Node{
		ID:          id,
		ScopeID:     scope,
		Name:        name,
		Short:       short,
		Kind:        kind,
		nested:      map[string]uint64{},
		fieldIndex:  map[string]int{},
		methodIndex: map[string]int{},
		reg:         b.reg,
	}
	b.nodes = append(b.nodes, n)
	return n
}

func (b *builder) build(fd *fileDesc) (*Node, error) {
	id, ok, err := parseID(fd.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		id = FileID(b.file)
	}
	file := b.newNode(id, 0, b.file, b.file, KindFile)

	for i := range fd.Types {
		if err := b.declare(&fd.Types[i], file, nil); err != nil {
			return nil, err
		}
	}
	for _, p := range b.pending {
		if err := b.define(p); err != nil {
			return nil, err
		}
	}
	return file, nil
}

func (b *builder) declare(td *typeDesc, scope *Node, scopePath []string) error {
	if td.Name == "" || strings.ContainsAny(td.Name, ".:$ ") {
		return errors.InvalidInput(errors.PhaseSchema, b.file+": invalid type name "+quote(td.Name))
	}
	kind, err := td.kind()
	if err != nil {
		return err
	}
	id, ok, err := parseID(td.ID)
	if err != nil {
		return err
	}
	if !ok {
		id = ChildID(scope.ID, td.Name)
	}

	path := append(append([]string(nil), scopePath...), td.Name)
	key := strings.Join(path, ".")
	if _, dup := b.byPath[key]; dup {
		return errors.InvalidInput(errors.PhaseSchema, b.file+": duplicate type "+key)
	}

	n := b.newNode(id, scope.ID, b.file+":"+key, td.Name, kind)
	scope.nested[td.Name] = id
	scope.nestedOrder = append(scope.nestedOrder, td.Name)
	b.byPath[key] = n
	b.pending = append(b.pending, pendingDef{desc: td, node: n, scope: path})

	for i := range td.Nested {
		if err := b.declare(&td.Nested[i], n, path); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) define(p pendingDef) error {
	switch p.node.Kind {
	case KindStruct:
		return b.defineStruct(p.node, p.desc.Struct, p.scope)
	case KindInterface:
		return b.defineInterface(p.node, p.desc.Interface, p.scope)
	case KindEnum:
		return b.defineEnum(p.node, p.desc.Enum)
	default:
		return errors.Internal(errors.PhaseSchema, "unexpected node kind "+p.node.Kind.String())
	}
}

func (b *builder) defineStruct(n *Node, sd *structDesc, scope []string) error {
	l := &layout{}
	var groups []*Node
	if err := b.fillScope(n, sd, scope, l, &groups); err != nil {
		return err
	}
	n.DataWords, n.PointerCount = l.dataWords(), l.pointerCount()
	for _, g := range groups {
		g.DataWords, g.PointerCount = n.DataWords, n.PointerCount
	}
	return nil
}

// fillScope adds the fields of one struct or group. Groups recurse into the
// same layout so their slots live in the enclosing struct's sections.
func (b *builder) fillScope(n *Node, sd *structDesc, scope []string, l *layout, groups *[]*Node) error {
	add := func(fd fieldDesc, disc uint16) error {
		if fd.Name == "" {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": field without a name")
		}
		if _, dup := n.fieldIndex[fd.Name]; dup {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": duplicate field "+fd.Name)
		}
		f := &Field{Name: fd.Name, Ordinal: len(n.Fields), DiscriminantValue: disc}

		if fd.Group != nil {
			if fd.Type != "" {
				return errors.InvalidInput(errors.PhaseSchema, n.Name+"."+fd.Name+": a group has no type")
			}
			g := b.newNode(ChildID(n.ID, fd.Name), n.ID, n.Name+"."+fd.Name, fd.Name, KindStruct)
			g.IsGroup = true
			*groups = append(*groups, g)
			f.Kind = FieldGroup
			f.GroupID = g.ID
			f.Type = Struct{ID: g.ID, Name: g.Name}
			if err := b.fillScope(g, fd.Group, scope, l, groups); err != nil {
				return err
			}
		} else {
			t, err := b.resolveType(fd.Type, scope)
			if err != nil {
				return errors.New(errors.PhaseSchema, errors.KindInvalidInput).
					Path(n.Short, fd.Name).
					Cause(err).
					Detail("field type").
					Build()
			}
			f.Kind = FieldSlot
			f.Type = t
			f.Offset = l.place(t)
		}

		n.fieldIndex[f.Name] = len(n.Fields)
		n.Fields = append(n.Fields, f)
		return nil
	}

	for _, fd := range sd.Fields {
		if err := add(fd, NoDiscriminant); err != nil {
			return err
		}
	}
	if len(sd.Union) == 0 {
		return nil
	}
	if len(sd.Union) < 2 {
		return errors.InvalidInput(errors.PhaseSchema, n.Name+": a union needs at least two members")
	}
	n.DiscriminantCount = uint16(len(sd.Union))
	n.DiscriminantOffset = l.data(16)
	for i, fd := range sd.Union {
		if err := add(fd, uint16(i)); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) defineInterface(n *Node, id *ifaceDesc, scope []string) error {
	for _, name := range id.Extends {
		t, err := b.resolveType(name, scope)
		if err != nil {
			return err
		}
		sup, ok := t.(Interface)
		if !ok {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": extends non-interface "+name)
		}
		if sup.ID == n.ID {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": extends itself")
		}
		n.Superclasses = append(n.Superclasses, sup.ID)
	}

	for i, md := range id.Methods {
		if md.Name == "" {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": method without a name")
		}
		if _, dup := n.methodIndex[md.Name]; dup {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": duplicate method "+md.Name)
		}

		params := b.newNode(ChildID(n.ID, md.Name+"$Params"), n.ID, n.Name+"."+md.Name+"$Params", md.Name+"$Params", KindStruct)
		if err := b.defineStruct(params, &structDesc{Fields: md.Params}, scope); err != nil {
			return err
		}
		results := b.newNode(ChildID(n.ID, md.Name+"$Results"), n.ID, n.Name+"."+md.Name+"$Results", md.Name+"$Results", KindStruct)
		if err := b.defineStruct(results, &structDesc{Fields: md.Results}, scope); err != nil {
			return err
		}

		n.methodIndex[md.Name] = len(n.Methods)
		n.Methods = append(n.Methods, &Method{
			Name:             md.Name,
			Ordinal:          uint16(i),
			ParamStructType:  params.ID,
			ResultStructType: results.ID,
			reg:              b.reg,
		})
	}
	return nil
}

func (b *builder) defineEnum(n *Node, names []string) error {
	if len(names) == 0 {
		return errors.InvalidInput(errors.PhaseSchema, n.Name+": enum without enumerants")
	}
	seen := make(map[string]bool, len(names))
	for _, e := range names {
		if e == "" || seen[e] {
			return errors.InvalidInput(errors.PhaseSchema, n.Name+": invalid enumerant "+quote(e))
		}
		seen[e] = true
	}
	n.Enumerants = append([]string(nil), names...)
	return nil
}

func (b *builder) resolveType(spelling string, scope []string) (Type, error) {
	s := strings.TrimSpace(spelling)
	if s == "" {
		return nil, errors.InvalidInput(errors.PhaseSchema, "missing type")
	}
	if t, ok := builtinTypes[s]; ok {
		return t, nil
	}
	if inner, ok := listElem(s); ok {
		elem, err := b.resolveType(inner, scope)
		if err != nil {
			return nil, err
		}
		return List{Elem: elem}, nil
	}
	if wt, err := wit.ParseType(s); err == nil {
		return fromWIT(wt, s)
	}
	return b.resolveNamed(s, scope)
}

func listElem(s string) (string, bool) {
	switch {
	case strings.HasPrefix(s, "list<") && strings.HasSuffix(s, ">"):
		return s[len("list<") : len(s)-1], true
	case strings.HasPrefix(s, "List(") && strings.HasSuffix(s, ")"):
		return s[len("List(") : len(s)-1], true
	default:
		return "", false
	}
}

func fromWIT(t wit.Type, spelling string) (Type, error) {
	switch t.(type) {
	case wit.Bool:
		return Bool{}, nil
	case wit.S8:
		return Int8{}, nil
	case wit.S16:
		return Int16{}, nil
	case wit.S32:
		return Int32{}, nil
	case wit.S64:
		return Int64{}, nil
	case wit.U8:
		return Uint8{}, nil
	case wit.U16:
		return Uint16{}, nil
	case wit.U32:
		return Uint32{}, nil
	case wit.U64:
		return Uint64{}, nil
	case wit.F32:
		return Float32{}, nil
	case wit.F64:
		return Float64{}, nil
	case wit.String:
		return Text{}, nil
	default:
		return nil, errors.Unsupported(errors.PhaseSchema, "type "+spelling)
	}
}

func (b *builder) resolveNamed(s string, scope []string) (Type, error) {
	if i := strings.IndexByte(s, '.'); i > 0 {
		if file, ok := b.imports[s[:i]]; ok {
			root, err := b.reg.importFile(file, b.search, b.stack)
			if err != nil {
				return nil, err
			}
			n, err := root.Lookup(s[i+1:])
			if err != nil {
				return nil, err
			}
			return refType(n)
		}
	}
	for i := len(scope); i >= 0; i-- {
		key := strings.Join(append(scope[:i:i], s), ".")
		if n, ok := b.byPath[key]; ok {
			return refType(n)
		}
	}
	return nil, errors.NotFound(errors.PhaseSchema, "type", s)
}

func refType(n *Node) (Type, error) {
	switch n.Kind {
	case KindStruct:
		return Struct{ID: n.ID, Name: n.Name}, nil
	case KindInterface:
		return Interface{ID: n.ID, Name: n.Name}, nil
	case KindEnum:
		return Enum{ID: n.ID, Name: n.Name}, nil
	default:
		return nil, errors.InvalidInput(errors.PhaseSchema, n.Name+" is not a type")
	}
}

func quote(s string) string {
	return "\"" + s + "\""
}
