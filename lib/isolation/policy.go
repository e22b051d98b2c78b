package isolation

// Policy decides what a context's worker may consult when it resolves names.
// The zero value is the deny-by-default policy: only the context root (and
// the private paths of its probe configuration) is probed.
type Policy struct {
	// DisallowApplicationBaseProbing stops the worker from probing the root.
	// By-name lookups then only see SearchPaths and code bases.
	DisallowApplicationBaseProbing bool

	// SearchPaths are extra directories probed after the root.
	SearchPaths []string

	// AllowBindingRedirects honors bindingRedirects from the probe configuration.
	AllowBindingRedirects bool

	// AllowPublisherPolicy honors publisherPolicy from the probe configuration.
	AllowPublisherPolicy bool

	// AllowCodeBase honors codeBases from the probe configuration. Only local
	// files are ever read.
	AllowCodeBase bool

	// AllowSymlinks lets probing follow symbolic links.
	AllowSymlinks bool

	// InheritEnvironment passes the host environment to the worker. When
	// false the worker starts with only what it needs to identify itself.
	InheritEnvironment bool
}

// DefaultPolicy returns the deny-by-default policy.
func DefaultPolicy() Policy {
	return Policy{}
}

// Permissive mirrors a classic application domain setup: every hint is honored
// and the worker inherits the host environment.
func Permissive() Policy {
	return Policy{
		AllowBindingRedirects: true,
		AllowPublisherPolicy:  true,
		AllowCodeBase:         true,
		InheritEnvironment:    true,
	}
}
