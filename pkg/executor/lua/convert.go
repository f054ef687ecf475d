package lua

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	glua "github.com/yuin/gopher-lua"
)

const valueTypeName = "gvalue"

var (
	// ErrTypeMismatch indicates a Lua value could not be passed where a Go type was expected.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrUnknownMember indicates a Go value has no field, key or method of the requested name.
	ErrUnknownMember = errors.New("unknown member")
	// ErrNotCallable indicates a call of a Go value that is not a function.
	ErrNotCallable = errors.New("value is not callable")

	errorType = reflect.TypeFor[error]()
)

func registerValueType(L *glua.LState) {
	mt := L.NewTypeMetatable(valueTypeName)
	L.SetField(mt, "__index", L.NewFunction(valueIndex))
	L.SetField(mt, "__call", L.NewFunction(valueCall))
	L.SetField(mt, "__len", L.NewFunction(valueLen))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LString(fmt.Sprint(L.CheckUserData(1).Value)))
		return 1
	}))
	L.SetField(mt, "__eq", L.NewFunction(func(L *glua.LState) int {
		a, b := L.CheckUserData(1).Value, L.CheckUserData(2).Value
		L.Push(glua.LBool(sameValue(a, b)))
		return 1
	}))
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// toLua converts v for use inside a body. Scalars become Lua scalars; everything else is
// wrapped so the body keeps Go identity.
func toLua(L *glua.LState, v any) glua.LValue {
	switch val := v.(type) {
	case nil:
		return glua.LNil
	case glua.LValue:
		return val
	case bool:
		return glua.LBool(val)
	case string:
		return glua.LString(val)
	case int:
		return glua.LNumber(val)
	case int8:
		return glua.LNumber(val)
	case int16:
		return glua.LNumber(val)
	case int32:
		return glua.LNumber(val)
	case int64:
		return glua.LNumber(val)
	case uint:
		return glua.LNumber(val)
	case uint8:
		return glua.LNumber(val)
	case uint16:
		return glua.LNumber(val)
	case uint32:
		return glua.LNumber(val)
	case uint64:
		return glua.LNumber(val)
	case float32:
		return glua.LNumber(val)
	case float64:
		return glua.LNumber(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		if rv.IsNil() {
			return glua.LNil
		}
	}
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(valueTypeName))
	return ud
}

// fromLua converts a body result back into a Go value. Integral numbers become int.
func fromLua(lv glua.LValue) any {
	switch val := lv.(type) {
	case *glua.LNilType:
		return nil
	case glua.LBool:
		return bool(val)
	case glua.LString:
		return string(val)
	case glua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && f >= math.MinInt && f <= math.MaxInt {
			return int(f)
		}
		return f
	case *glua.LUserData:
		return val.Value
	case *glua.LTable:
		return tableToGo(val)
	default:
		return lv
	}
}

// tableToGo returns a []any for sequences and a map[string]any otherwise.
func tableToGo(tbl *glua.LTable) any {
	if n := tbl.Len(); n > 0 {
		seq := true
		tbl.ForEach(func(k, _ glua.LValue) {
			if num, ok := k.(glua.LNumber); !ok || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
				seq = false
			}
		})
		if seq {
			out := make([]any, n)
			for i := 1; i <= n; i++ {
				out[i-1] = fromLua(tbl.RawGetInt(i))
			}
			return out
		}
	}
	out := make(map[string]any)
	tbl.ForEach(func(k, v glua.LValue) {
		out[k.String()] = fromLua(v)
	})
	return out
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// toGo converts a Lua argument to want.
func toGo(lv glua.LValue, want reflect.Type) (reflect.Value, error) {
	v := fromLua(lv)
	if v == nil {
		return reflect.Zero(want), nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(want):
		return rv, nil
	case isNumberKind(rv.Kind()) && isNumberKind(want.Kind()):
		return rv.Convert(want), nil
	case rv.Kind() == want.Kind() && rv.Type().ConvertibleTo(want):
		return rv.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot use %s as %s", ErrTypeMismatch, lv.Type(), want)
}

// memberNames lists the spellings tried for a member: as written, exported, and the CamelCase
// form of a snake_case name.
func memberNames(name string) []string {
	names := []string{name}
	if r, size := utf8.DecodeRuneInString(name); r != utf8.RuneError && !unicode.IsUpper(r) {
		names = append(names, string(unicode.ToUpper(r))+name[size:])
	}
	if strings.Contains(name, "_") {
		var b strings.Builder
		for _, part := range strings.Split(name, "_") {
			if r, size := utf8.DecodeRuneInString(part); r != utf8.RuneError {
				b.WriteRune(unicode.ToUpper(r))
				b.WriteString(part[size:])
			}
		}
		names = append(names, b.String())
	}
	return names
}

func methodByName(v reflect.Value, name string) (reflect.Value, bool) {
	candidates := memberNames(name)
	for _, candidate := range candidates {
		if m := v.MethodByName(candidate); m.IsValid() {
			return m, true
		}
	}
	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface {
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		for _, candidate := range candidates {
			if m := ptr.MethodByName(candidate); m.IsValid() {
				return m, true
			}
		}
	}
	return reflect.Value{}, false
}

// valueIndex implements value.key and value[i] for wrapped Go values.
func valueIndex(L *glua.LState) int {
	self := L.CheckUserData(1)
	key := L.Get(2)
	v := reflect.ValueOf(self.Value)

	switch v.Kind() {
	case reflect.Map:
		k, err := toGo(key, v.Type().Key())
		if err != nil {
			raise(L, err)
			return 0
		}
		if item := v.MapIndex(k); item.IsValid() {
			L.Push(toLua(L, item.Interface()))
			return 1
		}
		if _, isName := key.(glua.LString); !isName {
			L.Push(glua.LNil)
			return 1
		}
	case reflect.Slice, reflect.Array, reflect.String:
		if n, ok := key.(glua.LNumber); ok {
			i := int(n) - 1
			if i < 0 || i >= v.Len() {
				L.Push(glua.LNil)
				return 1
			}
			L.Push(toLua(L, v.Index(i).Interface()))
			return 1
		}
	}

	name, ok := key.(glua.LString)
	if !ok {
		raise(L, fmt.Errorf("%w: %s index on %T", ErrTypeMismatch, key.Type(), self.Value))
		return 0
	}
	if m, ok := methodByName(v, string(name)); ok {
		L.Push(L.NewFunction(func(L *glua.LState) int {
			first := 1
			// Called with ':' the receiver arrives as the first argument.
			if L.GetTop() >= 1 && L.Get(1) == self {
				first = 2
			}
			return callGo(L, m, first)
		}))
		return 1
	}

	s := v
	for s.Kind() == reflect.Pointer && !s.IsNil() {
		s = s.Elem()
	}
	if s.Kind() == reflect.Struct {
		for _, candidate := range memberNames(string(name)) {
			f := s.FieldByName(candidate)
			if f.IsValid() && f.CanInterface() {
				L.Push(toLua(L, f.Interface()))
				return 1
			}
		}
	}
	if v.Kind() == reflect.Map {
		L.Push(glua.LNil)
		return 1
	}
	raise(L, fmt.Errorf("%w: %T has no member %q", ErrUnknownMember, self.Value, string(name)))
	return 0
}

func valueCall(L *glua.LState) int {
	self := L.CheckUserData(1)
	fn := reflect.ValueOf(self.Value)
	if fn.Kind() != reflect.Func {
		raise(L, fmt.Errorf("%w: %T", ErrNotCallable, self.Value))
		return 0
	}
	return callGo(L, fn, 2)
}

func valueLen(L *glua.LState) int {
	self := L.CheckUserData(1)
	v := reflect.ValueOf(self.Value)
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String, reflect.Chan:
		L.Push(glua.LNumber(v.Len()))
		return 1
	}
	raise(L, fmt.Errorf("%w: len of %T", ErrTypeMismatch, self.Value))
	return 0
}

// callGo calls fn with the Lua arguments from index first on. A trailing non-nil error result
// is raised as the body's fault.
func callGo(L *glua.LState, fn reflect.Value, first int) int {
	t := fn.Type()
	var args []glua.LValue
	for i := first; i <= L.GetTop(); i++ {
		args = append(args, L.Get(i))
	}

	numIn := t.NumIn()
	if t.IsVariadic() {
		if len(args) < numIn-1 {
			raise(L, fmt.Errorf("%w: %s wants at least %d arguments, got %d", ErrTypeMismatch, t, numIn-1, len(args)))
			return 0
		}
	} else if len(args) != numIn {
		raise(L, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrTypeMismatch, t, numIn, len(args)))
		return 0
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		want := t.In(min(i, numIn-1))
		if t.IsVariadic() && i >= numIn-1 {
			want = t.In(numIn - 1).Elem()
		}
		v, err := toGo(arg, want)
		if err != nil {
			raise(L, fmt.Errorf("argument %d: %w", i+1, err))
			return 0
		}
		in[i] = v
	}

	out := fn.Call(in)
	if n := len(out); n > 0 && t.Out(n-1) == errorType {
		if errVal := out[n-1]; !errVal.IsNil() {
			raise(L, errVal.Interface().(error))
			return 0
		}
		out = out[:n-1]
	}
	for _, o := range out {
		L.Push(toLua(L, o.Interface()))
	}
	return len(out)
}
