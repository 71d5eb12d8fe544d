// Package schema builds the message type registry from a directory of .proto
// sources. Each file contributes its go_package namespace and the names of the
// messages it declares; names resolve to decoders through a Catalog.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/startup"
)

const logPrefix = "schema:registry"

// DefaultExtension is the schema source extension scanned when none is configured.
const DefaultExtension = ".proto"

// PingTypeName is the built-in liveness type, present regardless of schema sources.
const PingTypeName = "Ping"

var (
	namespaceLine = regexp.MustCompile(`^\s*option\s+go_package\b`)
	namespaceVal  = regexp.MustCompile(`"([^"]*)"`)
	messageLine   = regexp.MustCompile(`message\s+([a-zA-Z][a-zA-Z\d]*)\s*\{`)
)

// Entry is one resolvable message type.
type Entry struct {
	// TypeName is the wire name carried in the envelope.
	TypeName string
	// QualifiedName is namespace + "." + TypeName.
	QualifiedName string
	// Source is the schema file that declared the type; empty for built-ins.
	Source string
	// GoType is the pointer type produced by Decode, when known.
	GoType reflect.Type
	Decode Decoder
}

// Registry maps wire type names to entries. It is immutable once built.
type Registry struct {
	entries map[string]*Entry
}

// Options configures Build.
type Options struct {
	Directory string
	// Extension filters schema files; DefaultExtension when empty.
	Extension string
	// Catalog resolves declared names; DefaultCatalog when nil.
	Catalog *Catalog
}

// Lookup returns the entry for a wire type name.
func (r *Registry) Lookup(typeName string) (*Entry, bool) {
	e, ok := r.entries[typeName]
	return e, ok
}

// TypeNames returns all registered wire names, sorted.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Build scans opts.Directory and returns the registry, or a *startup.Error.
func Build(opts Options) (*Registry, error) {
	ext := opts.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}

	reg := &Registry{entries: make(map[string]*Entry)}
	ping := &dto.Ping{}
	reg.entries[PingTypeName] = &Entry{
		TypeName:      PingTypeName,
		QualifiedName: QualifiedName(ping),
		GoType:        reflect.TypeOf(ping),
		Decode:        decoderFor(reflect.TypeOf(ping).Elem()),
	}

	dir := strings.TrimSpace(opts.Directory)
	if dir == "" {
		slog.Error(fmt.Sprintf("%s - Schema directory is empty, check BINAFLOW_SCHEMA_DIRECTORY", logPrefix))
		return nil, startup.Errorf(startup.CodeEmptySchemaDir, "schema directory is not set")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, startup.Wrap(startup.CodeInvalidSchemaDir, err, "schema directory %q does not exist", dir)
		}
		return nil, startup.Wrap(startup.CodeSchemaIO, err, "schema directory %q", dir)
	}
	if !info.IsDir() {
		return nil, startup.Errorf(startup.CodeInvalidSchemaDir, "schema directory %q is not a directory", dir)
	}

	slog.Info(fmt.Sprintf("%s - Searching %s files in directory %s", logPrefix, ext, dir))
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, startup.Wrap(startup.CodeSchemaIO, err, "read schema directory %q", dir)
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ext {
			continue
		}
		if err := reg.loadFile(filepath.Join(dir, f.Name()), catalog); err != nil {
			return nil, err
		}
	}

	slog.Info(fmt.Sprintf("%s - Detected message types: %v", logPrefix, reg.TypeNames()))
	return reg, nil
}

func (r *Registry) loadFile(path string, catalog *Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return startup.Wrap(startup.CodeSchemaIO, err, "read schema file %q", path)
	}
	lines := strings.Split(string(data), "\n")

	names := scanMessages(lines)
	if len(names) == 0 {
		slog.Debug(fmt.Sprintf("%s - No messages declared in %s", logPrefix, path))
		return nil
	}

	namespace := scanNamespace(lines)
	if namespace == "" {
		slog.Error(fmt.Sprintf("%s - For schema %s go_package is not found", logPrefix, path))
		return startup.Errorf(startup.CodeMissingNamespace, "schema %q declares messages but has no go_package option", path)
	}
	slog.Debug(fmt.Sprintf("%s - For schema %s namespace is %s", logPrefix, path, namespace))

	for _, name := range names {
		qualified := namespace + "." + name
		item, ok := catalog.lookup(qualified)
		if !ok {
			return startup.Errorf(startup.CodeUnresolvedType,
				"message %q declared in %q resolves to %s, which has no registered decoder", name, path, qualified)
		}
		if item.decode == nil {
			return startup.Errorf(startup.CodeMissingDecoder, "catalog entry %s has no decoder", qualified)
		}

		if existing, ok := r.entries[name]; ok {
			if existing.QualifiedName == qualified {
				slog.Debug(fmt.Sprintf("%s - Message type %s declared again in %s", logPrefix, name, path))
				continue
			}
			return startup.Errorf(startup.CodeDuplicateMessageType,
				"message type %q declared as %s in %q conflicts with %s", name, qualified, path, existing.QualifiedName)
		}

		r.entries[name] = &Entry{
			TypeName:      name,
			QualifiedName: qualified,
			Source:        path,
			GoType:        item.goType,
			Decode:        item.decode,
		}
	}
	return nil
}

// scanNamespace returns the import path of the first go_package option, without
// any ";alias" suffix.
func scanNamespace(lines []string) string {
	for _, line := range lines {
		if !namespaceLine.MatchString(line) {
			continue
		}
		m := namespaceVal.FindStringSubmatch(line)
		if m == nil {
			return ""
		}
		ns, _, _ := strings.Cut(m[1], ";")
		return strings.TrimSpace(ns)
	}
	return ""
}

func scanMessages(lines []string) []string {
	var names []string
	for _, line := range lines {
		if m := messageLine.FindStringSubmatch(line); m != nil {
			names = append(names, m[1])
		}
	}
	return names
}
