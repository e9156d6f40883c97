package schema

import (
	"strconv"
	"strings"

	"github.com/wippyai/capbridge/errors"
	"gopkg.in/yaml.v3"
)

// Descriptor files are YAML documents:
//
//	id: 0xd2a5e3c1f0b04e11        # optional, derived from the file name otherwise
//	imports:
//	  geo: geo.yaml
//	types:
//	  - name: Point
//	    struct:
//	      fields:
//	        - {name: x, type: f64}
//	        - {name: y, type: f64}
//	  - name: Shape
//	    struct:
//	      fields:
//	        - {name: label, type: string}
//	      union:
//	        - {name: circle, type: f64}
//	        - name: rect
//	          group:
//	            fields:
//	              - {name: w, type: f64}
//	              - {name: h, type: f64}
//	  - name: Color
//	    enum: [red, green, blue]
//	  - name: Canvas
//	    interface:
//	      extends: [Base]
//	      methods:
//	        - name: draw
//	          params: [{name: shape, type: Shape}]
//	          results: [{name: id, type: u64}]
//
// Types use WIT primitive spellings (bool, u8..u64, s8..s64, f32, f64,
// string) or schema names (Void, Text, Data, Int32, UInt64, AnyPointer),
// list<T> or List(T), and names of declared types, resolved from the
// innermost scope outward. "alias.Name" refers to a type of an imported file.

type fileDesc struct {
	ID      string            `yaml:"id"`
	Imports map[string]string `yaml:"imports"`
	Types   []typeDesc        `yaml:"types"`
}

type typeDesc struct {
	Name      string      `yaml:"name"`
	ID        string      `yaml:"id"`
	Struct    *structDesc `yaml:"struct"`
	Interface *ifaceDesc  `yaml:"interface"`
	Enum      []string    `yaml:"enum"`
	Nested    []typeDesc  `yaml:"nested"`
}

type structDesc struct {
	Fields []fieldDesc `yaml:"fields"`
	Union  []fieldDesc `yaml:"union"`
}

type fieldDesc struct {
	Name  string      `yaml:"name"`
	Type  string      `yaml:"type"`
	Group *structDesc `yaml:"group"`
}

type ifaceDesc struct {
	Extends []string     `yaml:"extends"`
	Methods []methodDesc `yaml:"methods"`
}

type methodDesc struct {
	Name    string      `yaml:"name"`
	Params  []fieldDesc `yaml:"params"`
	Results []fieldDesc `yaml:"results"`
}

func parseDescriptor(name string, data []byte) (*fileDesc, error) {
	var fd fileDesc
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, errors.Wrap(errors.PhaseSchema, errors.KindInvalidData, err, "parse "+name)
	}
	if len(fd.Types) == 0 {
		return nil, errors.InvalidInput(errors.PhaseSchema, name+": no types declared")
	}
	return &fd, nil
}

func (td *typeDesc) kind() (NodeKind, error) {
	count := 0
	kind := KindStruct
	if td.Struct != nil {
		count++
	}
	if td.Interface != nil {
		count++
		kind = KindInterface
	}
	if td.Enum != nil {
		count++
		kind = KindEnum
	}
	if count != 1 {
		return 0, errors.InvalidInput(errors.PhaseSchema,
			td.Name+": exactly one of struct, interface or enum is required")
	}
	return kind, nil
}

func parseID(s string) (uint64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false, errors.Wrap(errors.PhaseSchema, errors.KindInvalidData, err, "invalid id "+s)
	}
	return id, true, nil
}
