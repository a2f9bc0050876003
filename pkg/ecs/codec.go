package ecs

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Codec converts component values to and from their fixed-size binary form.
// Encode writes exactly Size bytes into dst; Decode reads exactly Size bytes
// from src. Payloads carry no length prefix on the wire, so sizes must be
// stable for the life of a registration.
type Codec interface {
	Size() int
	Encode(dst []byte, v any) error
	Decode(src []byte) (any, error)
}

// AutoCodec derives a codec from a struct prototype by reflecting over its
// fields. Supported field kinds: float32, float64, all fixed-width signed and
// unsigned integers, and bool. Fields encode little-endian in declaration
// order. Returns an error for pointer, slice, string or nested struct fields.
func AutoCodec(prototype any) (Codec, error) {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("auto codec requires a struct prototype, got %T", prototype)
	}

	c := &structCodec{typ: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		width := fieldWidth(f.Type.Kind())
		if width == 0 {
			return nil, fmt.Errorf("field %s.%s: unsupported kind %s", t.Name(), f.Name, f.Type.Kind())
		}
		c.fields = append(c.fields, fieldSpec{index: i, kind: f.Type.Kind(), width: width})
		c.size += width
	}
	return c, nil
}

// MustAutoCodec is AutoCodec that panics on error, for registration blocks.
func MustAutoCodec(prototype any) Codec {
	c, err := AutoCodec(prototype)
	if err != nil {
		panic(err)
	}
	return c
}

type fieldSpec struct {
	index int
	kind  reflect.Kind
	width int
}

type structCodec struct {
	typ    reflect.Type
	fields []fieldSpec
	size   int
}

func fieldWidth(k reflect.Kind) int {
	switch k {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return 8
	}
	return 0
}

func (c *structCodec) Size() int {
	return c.size
}

func (c *structCodec) Encode(dst []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Type() != c.typ {
		return fmt.Errorf("codec for %s cannot encode %T", c.typ.Name(), v)
	}
	if len(dst) < c.size {
		return fmt.Errorf("codec for %s: buffer too short: %d < %d", c.typ.Name(), len(dst), c.size)
	}

	off := 0
	for _, f := range c.fields {
		fv := rv.Field(f.index)
		var bits uint64
		switch f.kind {
		case reflect.Bool:
			if fv.Bool() {
				bits = 1
			}
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			bits = uint64(fv.Int())
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bits = fv.Uint()
		case reflect.Float32:
			bits = uint64(math.Float32bits(float32(fv.Float())))
		case reflect.Float64:
			bits = math.Float64bits(fv.Float())
		}
		putUint(dst[off:], bits, f.width)
		off += f.width
	}
	return nil
}

func (c *structCodec) Decode(src []byte) (any, error) {
	if len(src) < c.size {
		return nil, fmt.Errorf("codec for %s: buffer too short: %d < %d", c.typ.Name(), len(src), c.size)
	}

	rv := reflect.New(c.typ).Elem()
	off := 0
	for _, f := range c.fields {
		bits := getUint(src[off:], f.width)
		fv := rv.Field(f.index)
		switch f.kind {
		case reflect.Bool:
			fv.SetBool(bits != 0)
		case reflect.Int8:
			fv.SetInt(int64(int8(bits)))
		case reflect.Int16:
			fv.SetInt(int64(int16(bits)))
		case reflect.Int32:
			fv.SetInt(int64(int32(bits)))
		case reflect.Int64:
			fv.SetInt(int64(bits))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(bits)
		case reflect.Float32:
			fv.SetFloat(float64(math.Float32frombits(uint32(bits))))
		case reflect.Float64:
			fv.SetFloat(math.Float64frombits(bits))
		}
		off += f.width
	}
	return rv.Interface(), nil
}

func putUint(dst []byte, bits uint64, width int) {
	switch width {
	case 1:
		dst[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(dst, bits)
	}
}

func getUint(src []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(src[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(src))
	case 4:
		return uint64(binary.LittleEndian.Uint32(src))
	case 8:
		return binary.LittleEndian.Uint64(src)
	}
	return 0
}
