package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-intercept/pkg/intercept"
)

// simulateRequest describes a call site by names.
type simulateRequest struct {
	Owner    string          `json:"owner"`
	Member   string          `json:"member"`
	Instance any             `json:"instance,omitempty"`
	Params   []simulateParam `json:"params,omitempty"`
	// Refresh forces a registry refresh before resolving.
	Refresh bool `json:"refresh,omitempty"`
}

type simulateParam struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
}

// simulateResult is the disposition of one simulated call.
type simulateResult struct {
	Key           string `json:"key"`
	Handled       bool   `json:"handled"`
	ContinueAfter bool   `json:"continue_after"`
	Result        any    `json:"result,omitempty"`
	Phase         string `json:"phase,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (a *app) simulate(ctx context.Context, req simulateRequest) (simulateResult, error) {
	if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Member) == "" {
		return simulateResult{}, errors.New("owner and member are required")
	}
	if req.Refresh {
		if err := a.coord.Invalidate(ctx); err != nil {
			return simulateResult{}, fmt.Errorf("refresh behaviors: %w", err)
		}
	}

	cs := intercept.Named(req.Owner, req.Member, req.Instance)
	for _, p := range req.Params {
		cs.TypedParam(p.Type, p.Name, p.Value)
	}

	handled, err := cs.RunIf(ctx, a.coord)
	out := simulateResult{
		Key:           cs.Key().String(),
		Handled:       handled,
		ContinueAfter: cs.ShouldContinueAfter(),
	}
	if cs.Result() != cs {
		out.Result = cs.Result()
	}
	var xerr *intercept.ExecutionError
	if errors.As(err, &xerr) {
		out.Phase = string(xerr.Phase)
		out.Error = xerr.Error()
	} else if err != nil {
		return simulateResult{}, err
	}
	return out, nil
}

// parseParam reads "type:name=value". The name may be empty; the value is JSON when it parses
// as JSON and a plain string otherwise.
func parseParam(s string) (simulateParam, error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(typ) == "" {
		return simulateParam{}, fmt.Errorf("invalid param %q, expected type:name=value", s)
	}
	name, raw, hasValue := strings.Cut(rest, "=")
	p := simulateParam{Type: strings.TrimSpace(typ), Name: strings.TrimSpace(name)}
	if hasValue {
		p.Value = parseValue(raw)
	}
	return p, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return normalizeJSON(v)
}

// normalizeJSON turns json.Number into int when integral and float64 otherwise.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeJSON(t[k])
		}
		return t
	default:
		return v
	}
}
