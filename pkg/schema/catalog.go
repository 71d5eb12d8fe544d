package schema

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/envelope"
)

// Decoder turns a complete frame into its typed message.
type Decoder func([]byte) (envelope.Message, error)

type catalogItem struct {
	goType reflect.Type
	decode Decoder
}

// Catalog is the static table from qualified type name (Go import path + "." +
// type name) to decoder. Schema scanning produces names; the catalog is what
// turns a name into executable decode code.
type Catalog struct {
	items map[string]catalogItem
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{items: make(map[string]catalogItem)}
}

// DefaultCatalog returns a catalog holding the built-in frame types.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	if err := c.Register(dto.Builtins()...); err != nil {
		panic(err)
	}
	return c
}

// Register adds a decoder for each prototype, keyed by its qualified name.
// Prototypes must be pointers to named structs.
func (c *Catalog) Register(protos ...envelope.Message) error {
	for _, p := range protos {
		t, err := messageStruct(p)
		if err != nil {
			return err
		}
		c.items[t.PkgPath()+"."+t.Name()] = catalogItem{goType: reflect.PointerTo(t), decode: decoderFor(t)}
	}
	return nil
}

// RegisterDecoder maps a qualified name to an explicit decoder, for schemas
// whose namespace differs from the Go import path of the generated type.
// goType may be nil, which skips the handler type cross-check.
func (c *Catalog) RegisterDecoder(qualifiedName string, goType reflect.Type, dec Decoder) {
	c.items[qualifiedName] = catalogItem{goType: goType, decode: dec}
}

// Names returns the registered qualified names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.items))
	for n := range c.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) lookup(qualifiedName string) (catalogItem, bool) {
	item, ok := c.items[qualifiedName]
	return item, ok
}

// QualifiedName returns the catalog key for msg.
func QualifiedName(msg envelope.Message) string {
	t, err := messageStruct(msg)
	if err != nil {
		return ""
	}
	return t.PkgPath() + "." + t.Name()
}

func messageStruct(msg envelope.Message) (reflect.Type, error) {
	if msg == nil {
		return nil, fmt.Errorf("schema: nil prototype")
	}
	t := reflect.TypeOf(msg)
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct || t.Elem().Name() == "" {
		return nil, fmt.Errorf("schema: prototype %s must be a pointer to a named struct", t)
	}
	return t.Elem(), nil
}

func decoderFor(t reflect.Type) Decoder {
	return func(b []byte) (envelope.Message, error) {
		msg := reflect.New(t).Interface().(envelope.Message)
		if err := msg.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("schema: decode %s: %w", t.Name(), err)
		}
		return msg, nil
	}
}
