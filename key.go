package optcache

// Key identifies one remote view. Two keys are equal iff all fields compare
// equal. Kind is required; Owner and Path narrow the view (e.g.
// {Kind: "balance", Owner: wallet, Path: mint} or {Kind: "round", Owner: "7"}).
//
// Fields must not contain '/' - it is the storage separator.
type Key struct {
	Kind  string
	Owner string
	Path  string
}

// String renders the key for storage addressing. Deterministic: equal keys
// produce equal strings.
func (k Key) String() string {
	s := k.Kind + "/" + k.Owner
	if k.Path != "" {
		s += "/" + k.Path
	}
	return s
}

// Predicate selects keys for bulk invalidation.
type Predicate func(Key) bool

// MatchKind matches every key of the given kind.
func MatchKind(kind string) Predicate {
	return func(k Key) bool { return k.Kind == kind }
}

// MatchOwner matches every key of the given kind and owner, any path.
func MatchOwner(kind, owner string) Predicate {
	return func(k Key) bool { return k.Kind == kind && k.Owner == owner }
}
