// Package cfgx provides functionality to parse configuration from multiple sources
// in a predictable precedence order with strong error handling and traceability.
// It is designed to be flexible enough for most applications while providing
// sensible defaults that follow Go idioms and best practices.
// with a defined precedence: command line args > environment variables > secrets/files > defaults.
// It uses struct tags to customize field names and validation rules.
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
)

const (
	tagConfig      = "config"
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition to the long one
)

// Priority values for the built-in sources. A Source with a higher priority
// runs later and therefore wins ties over a lower-priority Source, matching
// the documented precedence: flags > env > secrets/files > defaults.
const (
	PriorityDefault = 0
	PrioritySecrets = 75
	PriorityEnv     = 100
	PriorityFlag    = 200
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// MultiError aggregates every error a Source encounters while walking the
// config struct, so a caller sees every invalid field in one report instead
// of stopping at the first.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *MultiError) Unwrap() []error { return e.Errors }

// Source processes the ConfigField map and applies values to the config
// struct. Choose a Priority to run before or after the other sources in the
// pipeline; sources run in ascending priority order, so a later source's
// values win over an earlier one's.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix looks adds a prefix to environment variable lookups.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// UseBuildInfo uses debug.BuildInfo to set the Version property to the git tag.
	UseBuildInfo bool
	// Sources adds additional sources, e.g. a FileContentSource reading
	// Docker secrets. They run alongside the built-in default/env/flag
	// sources, ordered by Priority().
	Sources []Source
}

// Parse populates the config struct from a priority-ordered pipeline of
// Sources. The built-in sources run at PriorityDefault, PriorityEnv, and
// PriorityFlag; any sources supplied in Options.Sources are spliced in by
// their own Priority(), so a FileContentSource at PrioritySecrets (between
// defaults and env) applies as documented:
// 1. Command line arguments (highest priority, applied last)
// 2. Environment variables
// 3. Secrets / file-content sources
// 4. Default values from struct tags (lowest priority, applied first)
func Parse(cfg any, options Options) error {

	// Set default options and override if non-zero
	opts := setOptions(options)

	// Make sure it is pointer to struct
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	// Walk the struct and get map of paths with dot notation
	// Skips any fields that are already populated
	structMap := walkStruct(v.Elem(), "")

	sources := buildSources(opts)
	for _, src := range sources {
		if err := src.Process(structMap); err != nil {
			return handleError(opts.ErrorHandling, err)
		}
	}

	// Set Version if opts.UseBuildInfo == true
	if opts.UseBuildInfo {
		bi, _ := debug.ReadBuildInfo()

		version, ok := structMap["Version"]
		if ok {
			version.Value.SetString(cmp.Or(bi.Main.Version, "(develop)"))
		}
	}

	// Validate the required
	if err := validateRequired(structMap); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}

	return nil
}

// buildSources assembles the built-in default/env/flag sources with any
// caller-supplied ones and returns them in ascending priority order.
func buildSources(opts Options) []Source {
	sources := []Source{&defaultSource{priority: PriorityDefault}}
	sources = append(sources, opts.Sources...)
	if !opts.SkipEnv {
		sources = append(sources, &envSource{priority: PriorityEnv, prefix: opts.EnvPrefix})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{priority: PriorityFlag, opts: opts})
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Priority() < sources[j].Priority() })
	return sources
}

// ConfigField is one leaf field of the struct being parsed, resolved to its
// dot-separated Path (e.g. "Logging.Level") and addressable Value.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		// Get values
		fieldVal := v.Field(i)
		structField := t.Field(i)
		name := structField.Name
		kind := fieldVal.Kind()
		tag := structField.Tag

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		// Join the path
		path := name
		if currPath != "" {
			path = strings.Join([]string{currPath, name}, ".")
		}

		// Recursive for structs, except types with dedicated handling
		// (e.g. time.Duration, which is itself an Int64 kind by the time we
		// get here so this branch never fires for it).
		if kind == reflect.Struct {
			nestedFields := walkStruct(fieldVal, path)
			maps.Copy(fields, nestedFields)
			continue
		}

		if tagVal, ok := tag.Lookup(tagConfig); ok {
			path = tagVal
		}

		desc := cmp.Or(tag.Get(tagDescription), path)

		fields[path] = ConfigField{
			Path: path, Value: fieldVal, Kind: kind, Name: name, StructField: structField, Tag: tag, Description: desc}
	}
	return fields
}

func validateRequired(fields map[string]ConfigField) error {
	var allErrs []error

	for path, field := range fields {
		optVal, exists := field.Tag.Lookup(tagOptional)
		isOptional := exists && optVal == "true"
		if isOptional {
			continue
		}

		// If it is required and zero value add error
		if field.Value.IsZero() {
			allErrs = append(allErrs, fmt.Errorf("%s is required", path))
		}
	}

	if len(allErrs) > 0 {
		return &MultiError{allErrs}
	}
	return nil
}

func handleError(errHandling flag.ErrorHandling, err error) error {
	if errHandling == flag.ExitOnError {
		log.Fatal(err)
	}
	if errHandling == flag.PanicOnError {
		panic(err)
	}

	return err
}
