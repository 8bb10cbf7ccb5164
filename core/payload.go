package core

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// DecodePayload stores payload into out, which must be a non-nil pointer.
//
// Local payloads are assigned (or converted between named and underlying
// types, e.g. string to ActorID). Payloads that crossed the portal arrive as
// json.RawMessage and are unmarshalled. Anything else is round-tripped
// through JSON. A nil payload leaves out untouched.
func DecodePayload(payload any, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("decode target must be a non-nil pointer")
	}

	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return errors.Wrap(json.Unmarshal(p, out), "decode payload")
	}

	dst := rv.Elem()
	src := reflect.ValueOf(payload)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(dst.Type()) {
		dst.Set(src.Elem())
		return nil
	}
	if src.Kind() == dst.Kind() && src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %T payload", payload)
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode %T payload into %T", payload, out)
}
