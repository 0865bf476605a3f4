package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE definitions used to check snapshot documents.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in snapshot schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SnapshotSchemaName, snapshotSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and stores it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies data with the definition at path (e.g. "#Snapshot") of the
// named schema and requires the result to be concrete.
func (sr *SchemaRegistry) Validate(schemaName, path string, data interface{}) error {
	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	def := schema.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", schemaName, path)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// SnapshotSchemaName is the registry name of the built-in snapshot schema.
const SnapshotSchemaName = "snapshot"

const snapshotSchema = `
#Name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Roster: {
	name:        #Name
	type:        string & !=""
	traits?:     [...string]
	connection?: {...}
	auth?:       {...}
}

#Selector: {
	traits?:      [...string]
	any_traits?:  [...string]
	roster_type?: string
}

#Duty: {
	name:        #Name
	type:        string & !=""
	backend:     string & !=""
	selector?:   #Selector
	spec?:       {...}
	depends_on?: [...#Name]
	metadata?:   {...}
}

#Snapshot: {
	rosters?: [...#Roster]
	duties?:  [...#Duty]
}
`
