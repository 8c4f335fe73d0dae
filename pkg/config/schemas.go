package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// AgentSchema is the name of the agent configuration schema.
const AgentSchema = "agent"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(AgentSchema, builtinAgentSchema, "#Agent"); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers the definition at path
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema without requiring concrete
// values.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Durations are nanoseconds once decoded and Go duration strings in files.
const builtinAgentSchema = `
#Duration: (int & >=0) | string

#Agent: {
	base_dir: string & !=""

	repository: {
		url:         string & !=""
		cache_size?: int & >=0
		ssh?: {
			password?:                 string
			key_path?:                 string
			key_passphrase?:           string
			known_hosts?:              string
			insecure_ignore_host_key?: bool
			timeout?:                  #Duration
			keep_alive?:               #Duration
		}
		s3?: {
			access_key?: string
			secret_key?: string
			region?:     string
		}
	}

	state?: {
		backend?:       "sqlite" | "ini" | ""
		path?:          string
		history_limit?: int & >=0
	}

	installer?: {
		command_timeout?:    #Duration
		max_steps?:          int & >=0
		memory_limit_pages?: int & >=0 & <=65536
	}

	policy?: {
		dirs?:               [...string] | null
		max_removals?:       int & >=0
		protected_packages?: [...string] | null
		watch?:              bool
	}

	agent?: {
		interval?: #Duration
	}

	reboot?: {
		command?: [...string] | null
	}

	download_concurrency?: int & >=0 & <=64

	telemetry?: {...}
}
`
