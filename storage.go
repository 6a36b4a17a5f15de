package skvar

// Storage is a persistence backend attached to a Scope.
type Storage interface {
	// VariableChanged is called on every committed change of a global
	// variable; a nil value means deletion. It runs on the scope's goroutine
	// and must return quickly: implementations serialize the value (which
	// is only valid during the call) and defer the disk work.
	VariableChanged(p Path, value any)

	// VariableUnloaded tells the backend that the in-memory copy of p was
	// evicted. A later LoadVariables must still be able to bring it back.
	VariableUnloaded(p Path)

	// LoadVariables makes sure every variable under p exists in scope before
	// returning. The zero Path means everything. Backends that cannot load
	// selectively may load everything.
	LoadVariables(scope *Scope, p Path) error

	// Close flushes pending changes and releases resources. No other method
	// may be called after Close begins.
	Close() error
}
