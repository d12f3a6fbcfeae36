package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
)

var errNullNotAllowed = errors.New("null is only accepted for nullable fields")

// patchField distinguishes a JSON member that is absent from one that is present. A
// present null clears pointer fields and is rejected for every other type.
type patchField[T any] struct {
	set   bool
	value T
}

func (p *patchField[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) && reflect.TypeOf((*T)(nil)).Elem().Kind() != reflect.Pointer {
		return errNullNotAllowed
	}
	p.set = true
	return json.Unmarshal(data, &p.value)
}

func (p patchField[T]) optional() rides.Optional[T] {
	if !p.set {
		return rides.Unchanged[T]()
	}
	return rides.Set(p.value)
}
