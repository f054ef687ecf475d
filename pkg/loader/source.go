package loader

import (
	"context"
	"fmt"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Source produces a complete candidate behavior set.
type Source interface {
	Fetch(ctx context.Context) (*domain.BehaviorSet, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*domain.BehaviorSet, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (*domain.BehaviorSet, error) {
	return f(ctx)
}

// Row is one behavior in its flat form: the parameter list is a comma-joined spec, where an
// empty spec means no parameters and "*" is the wildcard.
type Row struct {
	Owner  string `json:"owner" yaml:"owner" toml:"owner" cbor:"owner"`
	Member string `json:"member" yaml:"member" toml:"member" cbor:"member"`
	Params string `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty" cbor:"params,omitempty"`
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty" toml:"engine,omitempty" cbor:"engine,omitempty"`
	Body   string `json:"body,omitempty" yaml:"body,omitempty" toml:"body,omitempty" cbor:"body,omitempty"`
}

// Key returns the row's match key.
func (r Row) Key() domain.MatchKey {
	return domain.ParseMatchKey(r.Owner, r.Member, r.Params)
}

// Behavior returns the row as a domain behavior.
func (r Row) Behavior() domain.Behavior {
	return domain.Behavior{Key: r.Key(), Entry: domain.Entry{Engine: r.Engine, Body: r.Body}}
}

// RowOf flattens a behavior.
func RowOf(b domain.Behavior) Row {
	return Row{
		Owner:  b.Key.Owner,
		Member: b.Key.Member,
		Params: b.Key.ParamSpec(),
		Engine: b.Entry.Engine,
		Body:   b.Entry.Body,
	}
}

// BuildSet validates rows and collects them in order; a later row overwrites an earlier row with
// the same key.
func BuildSet(rows []Row) (*domain.BehaviorSet, error) {
	set := domain.NewBehaviorSet()
	for i, row := range rows {
		b := row.Behavior()
		if err := b.Key.Validate(); err != nil {
			return nil, fmt.Errorf("behavior %d: %w", i, err)
		}
		set.Put(b.Key, b.Entry)
	}
	return set, nil
}

// Triples adapts a source of flat rows.
func Triples(fn func(ctx context.Context) ([]Row, error)) Source {
	return SourceFunc(func(ctx context.Context) (*domain.BehaviorSet, error) {
		rows, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return BuildSet(rows)
	})
}

// Map adapts a source keyed by the rendered key form "owner.member(params)".
func Map(fn func(ctx context.Context) (map[string]domain.Entry, error)) Source {
	return SourceFunc(func(ctx context.Context) (*domain.BehaviorSet, error) {
		entries, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		behaviors := make([]domain.Behavior, 0, len(entries))
		for rendered, entry := range entries {
			key, err := domain.ParseKey(rendered)
			if err != nil {
				return nil, err
			}
			if err := key.Validate(); err != nil {
				return nil, err
			}
			behaviors = append(behaviors, domain.Behavior{Key: key, Entry: entry})
		}
		// Map iteration order is random; keep the result deterministic.
		domain.SortBehaviors(behaviors)

		set := domain.NewBehaviorSet()
		for _, b := range behaviors {
			set.Put(b.Key, b.Entry)
		}
		return set, nil
	})
}

// Static serves a fixed set of behaviors.
func Static(behaviors ...domain.Behavior) Source {
	set := domain.NewBehaviorSet()
	for _, b := range behaviors {
		set.Put(b.Key, b.Entry)
	}
	return SourceFunc(func(context.Context) (*domain.BehaviorSet, error) {
		out := domain.NewBehaviorSet()
		out.PutAll(set)
		return out, nil
	})
}

// Merge fetches every source in order and overlays the results; later sources win on key
// collision. The first failing source aborts the merge.
func Merge(sources ...Source) Source {
	return SourceFunc(func(ctx context.Context) (*domain.BehaviorSet, error) {
		out := domain.NewBehaviorSet()
		for i, src := range sources {
			if src == nil {
				continue
			}
			set, err := src.Fetch(ctx)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			out.PutAll(set)
		}
		return out, nil
	})
}
