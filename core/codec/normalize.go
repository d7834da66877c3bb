package codec

import "reflect"

// collapseEmpty sets every empty slice and map reachable through exported
// fields, pointers, arrays, slice elements and map values of v to nil. Gob
// cannot tell nil and empty collections apart, so every codec decodes both
// to nil and a state compares equal whichever codec stored it.
func collapseEmpty(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return
	}
	collapse(rv.Elem())
}

func collapse(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			collapse(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				collapse(f)
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collapse(v.Index(i))
		}
	case reflect.Slice:
		if v.IsNil() {
			return
		}
		if v.Len() == 0 {
			if v.CanSet() {
				v.Set(reflect.Zero(v.Type()))
			}
			return
		}
		for i := 0; i < v.Len(); i++ {
			collapse(v.Index(i))
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		if v.Len() == 0 {
			if v.CanSet() {
				v.Set(reflect.Zero(v.Type()))
			}
			return
		}
		if !canHoldEmpty(v.Type().Elem()) {
			return
		}
		for _, key := range v.MapKeys() {
			val := reflect.New(v.Type().Elem()).Elem()
			val.Set(v.MapIndex(key))
			collapse(val)
			v.SetMapIndex(key, val)
		}
	}
}

// canHoldEmpty reports whether values of t may contain a collection.
func canHoldEmpty(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Map, reflect.Struct, reflect.Array, reflect.Pointer:
		return true
	}
	return false
}
