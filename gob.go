package layercache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// GobCodec serializes values with encoding/gob.
//
// Values are encoded as interfaces, so that they can be decoded without knowing the type.
// Concrete types of cached values must be registered with GobRegister.
type GobCodec struct{}

var _ Codec = GobCodec{}

// Marshal encodes value.
func (GobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes value into a pointer of a matching type or into *interface{}.
func (GobCodec) Unmarshal(data []byte, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("gob: non-nil pointer expected, %T received", v)
	}

	var iv interface{}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return err
	}

	target := rv.Elem()

	if iv == nil {
		target.Set(reflect.Zero(target.Type()))

		return nil
	}

	src := reflect.ValueOf(iv)
	if !src.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("gob: can not assign %T to %s", iv, target.Type())
	}

	target.Set(src)

	return nil
}

// GobRegister enables cached type transferring.
func GobRegister(values ...interface{}) {
	for _, value := range values {
		gob.Register(value)
	}
}

// nolint:gochecknoinits // Registering types to a package level registry of "encoding/gob".
func init() {
	// Registering commonly used types.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}
