package expr

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// raisedError carries an error raised by the body itself, either through fail or returned
// by a Go function it called.
type raisedError struct {
	err error
}

func (e *raisedError) Error() string { return e.err.Error() }

func (e *raisedError) Unwrap() error { return e.err }

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
	}
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), v <= math.MaxInt64
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), v <= math.MaxInt64
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	if i, ok := toInt(value); ok {
		return float64(i), true
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return isNil(left) && isNil(right), nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}

	lt, rt := reflect.TypeOf(left), reflect.TypeOf(right)
	if lt == rt && lt.Comparable() {
		return left == right, nil
	}

	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func compare(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply comparator to %T and %T", ErrTypeMismatch, left, right)
}

func arithmetic(left, right any, op tokenType) (any, error) {
	if op == tokenPlus {
		_, leftIsString := left.(string)
		_, rightIsString := right.(string)
		if leftIsString || rightIsString {
			return fmt.Sprint(left) + fmt.Sprint(right), nil
		}
	}

	li, lok := toInt(left)
	ri, rok := toInt(right)
	if lok && rok {
		switch op {
		case tokenPlus:
			return int(li + ri), nil
		case tokenMinus:
			return int(li - ri), nil
		case tokenStar:
			return int(li * ri), nil
		case tokenSlash:
			if ri == 0 {
				return nil, ErrDivisionByZero
			}
			return int(li / ri), nil
		case tokenPercent:
			if ri == 0 {
				return nil, ErrDivisionByZero
			}
			return int(li % ri), nil
		}
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: cannot apply %s to %T and %T", ErrTypeMismatch, op, left, right)
	}
	switch op {
	case tokenPlus:
		return lf + rf, nil
	case tokenMinus:
		return lf - rf, nil
	case tokenStar:
		return lf * rf, nil
	case tokenSlash:
		if rf == 0 {
			return nil, ErrDivisionByZero
		}
		return lf / rf, nil
	case tokenPercent:
		if rf == 0 {
			return nil, ErrDivisionByZero
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("%w: unsupported arithmetic operator %s", ErrSyntax, op)
}

// exportedName maps "continueAfter" to "ContinueAfter".
func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

func methodByName(v reflect.Value, name string) (reflect.Value, bool) {
	for _, candidate := range []string{name, exportedName(name)} {
		if m := v.MethodByName(candidate); m.IsValid() {
			return m, true
		}
	}
	// Pointer-receiver methods of a value held by copy.
	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface {
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		for _, candidate := range []string{name, exportedName(name)} {
			if m := ptr.MethodByName(candidate); m.IsValid() {
				return m, true
			}
		}
	}
	return reflect.Value{}, false
}

// selectMember resolves target.name: a map key, a method or an exported struct field.
func selectMember(target any, name string) (any, error) {
	if isNil(target) {
		return nil, fmt.Errorf("%w: .%s on nil", ErrNilDereference, name)
	}

	v := reflect.ValueOf(target)
	if v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String {
		item := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
		if !item.IsValid() {
			return nil, nil
		}
		return item.Interface(), nil
	}

	if m, ok := methodByName(v, name); ok {
		return m.Interface(), nil
	}

	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: .%s on nil", ErrNilDereference, name)
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		for _, candidate := range []string{name, exportedName(name)} {
			f := v.FieldByName(candidate)
			if f.IsValid() && f.CanInterface() {
				return f.Interface(), nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %T has no member %q", ErrUnknownMember, target, name)
}

func indexValue(target, index any) (any, error) {
	if isNil(target) {
		return nil, fmt.Errorf("%w: index on nil", ErrNilDereference)
	}
	v := reflect.ValueOf(target)
	switch v.Kind() {
	case reflect.Map:
		key, err := convertArg(index, v.Type().Key())
		if err != nil {
			return nil, err
		}
		item := v.MapIndex(key)
		if !item.IsValid() {
			return nil, nil
		}
		return item.Interface(), nil
	case reflect.Slice, reflect.Array, reflect.String:
		i, ok := toInt(index)
		if !ok {
			return nil, fmt.Errorf("%w: index must be an integer, got %T", ErrTypeMismatch, index)
		}
		if i < 0 || i >= int64(v.Len()) {
			return nil, fmt.Errorf("%w: index %d out of range [0:%d]", ErrIndexOutOfRange, i, v.Len())
		}
		return v.Index(int(i)).Interface(), nil
	}
	return nil, fmt.Errorf("%w: cannot index %T", ErrTypeMismatch, target)
}

var errorType = reflect.TypeFor[error]()

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func convertArg(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	switch {
	case v.Type().AssignableTo(want):
		return v, nil
	case isNumberKind(v.Kind()) && isNumberKind(want.Kind()):
		return v.Convert(want), nil
	case v.Kind() == want.Kind() && v.Type().ConvertibleTo(want):
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, arg, want)
}

// callFunc calls a Go function value. A trailing non-nil error result is raised as the body's
// own fault.
func callFunc(fn any, args []any) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: call of nil", ErrNotCallable)
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, fn)
	}
	if v.IsNil() {
		return nil, fmt.Errorf("%w: call of nil %T", ErrNotCallable, fn)
	}

	t := v.Type()
	numIn := t.NumIn()
	if t.IsVariadic() {
		if len(args) < numIn-1 {
			return nil, fmt.Errorf("%w: %s wants at least %d arguments, got %d", ErrTypeMismatch, t, numIn-1, len(args))
		}
	} else if len(args) != numIn {
		return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrTypeMismatch, t, numIn, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		want := t.In(min(i, numIn-1))
		if t.IsVariadic() && i >= numIn-1 {
			want = t.In(numIn - 1).Elem()
		}
		converted, err := convertArg(arg, want)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = converted
	}

	out := v.Call(in)
	if n := len(out); n > 0 && t.Out(n-1) == errorType {
		if errVal := out[n-1]; !errVal.IsNil() {
			return nil, &raisedError{err: errVal.Interface().(error)}
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		results := make([]any, len(out))
		for i, o := range out {
			results[i] = o.Interface()
		}
		return results, nil
	}
}

type builtin func(args []any) (any, error)

var builtins = map[string]builtin{
	"fail":    builtinFail,
	"len":     builtinLen,
	"str":     builtinStr,
	"int":     builtinInt,
	"float":   builtinFloat,
	"sprintf": builtinSprintf,
}

func arity(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrTypeMismatch, name, n, len(args))
	}
	return nil
}

// builtinFail raises its argument. An error value is raised as is.
func builtinFail(args []any) (any, error) {
	if len(args) == 1 {
		if err, ok := args[0].(error); ok {
			return nil, &raisedError{err: err}
		}
	}
	msg := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
	return nil, &raisedError{err: errors.New(msg)}
}

func builtinLen(args []any) (any, error) {
	if err := arity("len", args, 1); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return v.Len(), nil
	}
	return nil, fmt.Errorf("%w: len of %T", ErrTypeMismatch, args[0])
}

func builtinStr(args []any) (any, error) {
	if err := arity("str", args, 1); err != nil {
		return nil, err
	}
	return fmt.Sprint(args[0]), nil
}

func builtinInt(args []any) (any, error) {
	if err := arity("int", args, 1); err != nil {
		return nil, err
	}
	if i, ok := toInt(args[0]); ok {
		return int(i), nil
	}
	if f, ok := toFloat(args[0]); ok {
		return int(f), nil
	}
	return nil, fmt.Errorf("%w: int of %T", ErrTypeMismatch, args[0])
}

func builtinFloat(args []any) (any, error) {
	if err := arity("float", args, 1); err != nil {
		return nil, err
	}
	if f, ok := toFloat(args[0]); ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: float of %T", ErrTypeMismatch, args[0])
}

func builtinSprintf(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: sprintf needs a format", ErrTypeMismatch)
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: sprintf format must be a string, got %T", ErrTypeMismatch, args[0])
	}
	return fmt.Sprintf(format, args[1:]...), nil
}
