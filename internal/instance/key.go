package instance

// Key identifies a managed language-server instance: one per
// (workspace root, normalized language) pair (spec §3). No two instances
// ever share the same Key (invariant 5).
type Key struct {
	RootPath string
	Language string
}

func (k Key) String() string { return k.RootPath + ":" + k.Language }
