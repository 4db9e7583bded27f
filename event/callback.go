package event

// Data is the triple handed to callbacks: the full record bytes, the
// payload bytes (record bytes minus any header), and the schema that
// describes payload. Per spec section 3, these slices are only valid for
// the duration of the callback that receives them — callers that need to
// retain data must copy it.
type Data struct {
	FullRecord []byte
	Payload    []byte
	Schema     *Schema
}

// Callback is a handler registered against a Schema. Multiple callbacks per
// event fire in registration order; a returned error does not stop
// dispatch to the remaining callbacks (spec section 4.2's last paragraph).
type Callback func(d Data) error

// CallbackSet holds the callbacks registered per event ID and fans a
// decoded Data out to each of them, collecting errors into a caller
// supplied sink rather than aborting.
type CallbackSet struct {
	byID map[uint32][]Callback
}

// NewCallbackSet returns an empty set.
func NewCallbackSet() *CallbackSet {
	return &CallbackSet{byID: make(map[uint32][]Callback)}
}

// Register adds cb to the list fired for schemaID, appended after any
// callbacks already registered for that ID.
func (c *CallbackSet) Register(schemaID uint32, cb Callback) {
	c.byID[schemaID] = append(c.byID[schemaID], cb)
}

// Dispatch invokes every callback registered for d.Schema.ID in registration
// order, appending any errors to errs, and returns the (possibly grown)
// errs slice. Dispatch never stops early on a callback error.
func (c *CallbackSet) Dispatch(d Data, errs []error) []error {
	for _, cb := range c.byID[d.Schema.ID] {
		if err := cb(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasCallbacks reports whether any callback is registered for schemaID.
func (c *CallbackSet) HasCallbacks(schemaID uint32) bool {
	return len(c.byID[schemaID]) > 0
}
