package hcl

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/polisai/polis-intercept/pkg/domain"
)

var (
	joinPointType = cty.Capsule("joinpoint", reflect.TypeFor[domain.JoinPoint]())
	opaqueType    = cty.Capsule("opaque", reflect.TypeFor[any]())
)

func joinPointVal(jp domain.JoinPoint) cty.Value {
	return cty.CapsuleVal(joinPointType, &jp)
}

// toCty converts a Go value. Scalars map directly; other values go through their JSON form and
// fall back to an opaque capsule.
func toCty(v any) cty.Value {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return val
	case domain.JoinPoint:
		return joinPointVal(val)
	case bool:
		return cty.BoolVal(val)
	case string:
		return cty.StringVal(val)
	case int:
		return cty.NumberIntVal(int64(val))
	case int8:
		return cty.NumberIntVal(int64(val))
	case int16:
		return cty.NumberIntVal(int64(val))
	case int32:
		return cty.NumberIntVal(int64(val))
	case int64:
		return cty.NumberIntVal(val)
	case uint:
		return cty.NumberUIntVal(uint64(val))
	case uint8:
		return cty.NumberUIntVal(uint64(val))
	case uint16:
		return cty.NumberUIntVal(uint64(val))
	case uint32:
		return cty.NumberUIntVal(uint64(val))
	case uint64:
		return cty.NumberUIntVal(val)
	case float32:
		return cty.NumberFloatVal(float64(val))
	case float64:
		return cty.NumberFloatVal(val)
	}

	if raw, err := json.Marshal(v); err == nil {
		if ty, err := ctyjson.ImpliedType(raw); err == nil {
			if out, err := ctyjson.Unmarshal(raw, ty); err == nil {
				return out
			}
		}
	}
	return cty.CapsuleVal(opaqueType, &v)
}

// fromCty converts a result back into plain Go values. Whole numbers become int.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("result is not known")
	}
	v, _ = v.Unmark()

	ty := v.Type()
	switch {
	case ty.Equals(joinPointType):
		return *v.EncapsulatedValue().(*domain.JoinPoint), nil
	case ty.Equals(opaqueType):
		return *v.EncapsulatedValue().(*any), nil
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact && i >= math.MinInt && i <= math.MaxInt {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, item := it.Element()
			conv, err := fromCty(item)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, item := it.Element()
			conv, err := fromCty(item)
			if err != nil {
				return nil, err
			}
			out[key.AsString()] = conv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
}

// continueAfterFunc marks the call site to resume the host logic and returns it.
var continueAfterFunc = function.New(&function.Spec{
	Description: "Resumes the host logic after the behavior.",
	Params:      []function.Parameter{{Name: "jp", Type: joinPointType}},
	Type:        function.StaticReturnType(joinPointType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		jp := *args[0].EncapsulatedValue().(*domain.JoinPoint)
		jp.ContinueAfter()
		return args[0], nil
	},
})

// failFunc raises its message as the behavior's fault.
var failFunc = function.New(&function.Spec{
	Description: "Raises a fault.",
	Params:      []function.Parameter{{Name: "message", Type: cty.String}},
	Type:        function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.NilVal, fmt.Errorf("%w: %s", ErrFault, args[0].AsString())
	},
})

func standardFunctions() map[string]function.Function {
	return map[string]function.Function{
		"continue_after": continueAfterFunc,
		"fail":           failFunc,

		"abs":        stdlib.AbsoluteFunc,
		"ceil":       stdlib.CeilFunc,
		"floor":      stdlib.FloorFunc,
		"max":        stdlib.MaxFunc,
		"min":        stdlib.MinFunc,
		"parseint":   stdlib.ParseIntFunc,
		"pow":        stdlib.PowFunc,
		"signum":     stdlib.SignumFunc,
		"chomp":      stdlib.ChompFunc,
		"format":     stdlib.FormatFunc,
		"formatlist": stdlib.FormatListFunc,
		"join":       stdlib.JoinFunc,
		"lower":      stdlib.LowerFunc,
		"regex":      stdlib.RegexFunc,
		"replace":    stdlib.ReplaceFunc,
		"split":      stdlib.SplitFunc,
		"strlen":     stdlib.StrlenFunc,
		"substr":     stdlib.SubstrFunc,
		"title":      stdlib.TitleFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"upper":      stdlib.UpperFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"concat":     stdlib.ConcatFunc,
		"contains":   stdlib.ContainsFunc,
		"distinct":   stdlib.DistinctFunc,
		"element":    stdlib.ElementFunc,
		"flatten":    stdlib.FlattenFunc,
		"keys":       stdlib.KeysFunc,
		"length":     stdlib.LengthFunc,
		"lookup":     stdlib.LookupFunc,
		"merge":      stdlib.MergeFunc,
		"range":      stdlib.RangeFunc,
		"reverse":    stdlib.ReverseListFunc,
		"slice":      stdlib.SliceFunc,
		"sort":       stdlib.SortFunc,
		"values":     stdlib.ValuesFunc,
		"zipmap":     stdlib.ZipmapFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"formatdate": stdlib.FormatDateFunc,
		"timeadd":    stdlib.TimeAddFunc,
	}
}
