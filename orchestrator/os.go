package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotPointer is returned when SetConfigFromEnvVars receives a non-pointer.
var ErrNotPointer = errors.New("config must be a pointer to a struct")

var durationType = reflect.TypeOf(time.Duration(0))

// GetenvOrDefault returns the trimmed value of key, or defaultValue when unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault parses key as a bool, or returns defaultValue.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault parses key as an int64, or returns defaultValue.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvDurationOrDefault parses key with time.ParseDuration, or returns defaultValue.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}

	return value
}

// SetConfigFromEnvVars fills the exported fields of the struct pointed to by s
// from the environment variables named in their `env` tags. Supported kinds are
// string, bool, signed integers, floats and time.Duration. Unset variables
// leave the field untouched, so defaults can be assigned before the call.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	elem := v.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag, ok := field.Tag.Lookup("env")
		if !ok || tag == "" || !field.IsExported() {
			continue
		}

		raw, present := os.LookupEnv(tag)
		raw = strings.TrimSpace(raw)

		if !present || raw == "" {
			continue
		}

		if err := setField(elem.Field(i), raw); err != nil {
			return fmt.Errorf("env %s: %w", tag, err)
		}
	}

	return nil
}

func setField(target reflect.Value, raw string) error {
	if target.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		target.SetInt(int64(d))

		return nil
	}

	switch target.Kind() {
	case reflect.String:
		target.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		target.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, target.Type().Bits())
		if err != nil {
			return err
		}

		target.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, target.Type().Bits())
		if err != nil {
			return err
		}

		target.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", target.Kind())
	}

	return nil
}
