package dispatcher

// Route is one declared message type and the handler bound to it, if any.
type Route struct {
	TypeName      string
	QualifiedName string
	Source        string
	// Handler is empty for response-only types.
	Handler      string
	WantsSession bool
}

// Routes lists every declared message type, sorted by wire name.
func (d *Dispatcher) Routes() []Route {
	names := d.schemas.TypeNames()
	routes := make([]Route, 0, len(names))
	for _, name := range names {
		entry, _ := d.schemas.Lookup(name)
		r := Route{TypeName: name, QualifiedName: entry.QualifiedName, Source: entry.Source}
		if b, ok := d.handlers.Lookup(name); ok {
			r.Handler = b.Handler
			r.WantsSession = b.WantsSession()
		}
		routes = append(routes, r)
	}
	return routes
}
