// Package loader provides domain.Loader implementations and the combinators they are built
// from.
//
// A Source produces a candidate behavior set; New turns a Source into a Loader carrying the
// reload interval and the enabled switch. Sources compose:
//
//	src := loader.Merge(
//		loader.Triples(rowsFromConfig),
//		loader.Map(overridesByKey),
//	)
//	l := loader.New(src, loader.WithReloadInterval(30*time.Second))
//
// Later sources win on key collision. Document sources (files and objects encoded as YAML,
// JSON, TOML or CBOR) may also carry the enabled switch and the reload interval; the Loader
// picks those up on every successful load.
package loader
