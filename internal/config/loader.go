package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalid  = errors.New("config: invalid")
	ErrRequired = errors.New("config: required value missing")
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves a struct from envDefault tags, then an optional YAML
// file, then environment variables. Later layers win.
type Loader struct {
	envPrefix string
	filePath  string
}

func NewLoader() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and "_" to every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional YAML file. A missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and then
// checks required tags and a Validate method if cfg has one.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: Load requires a pointer to a struct", ErrInvalid)
	}
	rv = rv.Elem()

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	if v, ok := cfg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return fmt.Errorf("%w: file path must not contain ..", ErrInvalid)
	}
	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalid, ext)
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", l.filePath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", l.filePath, err)
	}
	return nil
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag, ok := sf.Tag.Lookup("envDefault")
		if !ok || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return fmt.Errorf("config: default for %s: %w", sf.Name, err)
		}
	}
	return nil
}

// applyEnv walks nested structs, joining their env tags into the prefix.
func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")
		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyEnv(field, joinEnv(prefix, envTag)); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}
		key := joinEnv(prefix, envTag)
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: duration %q", ErrInvalid, value)
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: bool %q", ErrInvalid, value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: integer %q", ErrInvalid, value)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: number %q", ErrInvalid, value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%w: unsupported slice of %s", ErrInvalid, field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				slice = reflect.Append(slice, reflect.ValueOf(p).Convert(field.Type().Elem()))
			}
		}
		field.Set(slice)
	default:
		return fmt.Errorf("%w: unsupported field type %s", ErrInvalid, field.Kind())
	}
	return nil
}

func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return fmt.Errorf("%w: %s", ErrRequired, fieldPath)
		}
	}
	return nil
}
