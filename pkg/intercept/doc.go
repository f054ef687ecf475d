// Package intercept is the interception engine: host code describes a call site, the
// Coordinator resolves it against a reloadable Registry of behaviors and, on a hit, runs the
// behavior through a pluggable executor.
//
// A typical interception point looks like:
//
//	func (g *Greeter) Greet(name string) (string, error) {
//		cs := intercept.At(g, "Greet", intercept.Arg("name", name))
//		if handled, err := cs.RunIf(ctx, coordinator); err != nil {
//			return "", err
//		} else if handled {
//			out, _ := intercept.ResultAs[string](cs)
//			return out, nil
//		}
//		// ... normal logic
//	}
//
// Resolution probes the wildcard key {owner, member, ["*"]} before the exact signature; a
// wildcard registration therefore shadows every exact registration of the same member. This
// is deliberate policy, letting an operator override all overloads at once.
package intercept
