package models

// ItemResult is the per-document outcome of a bulk write. A nil Err means the item was written.
type ItemResult struct {
	ID  string
	Err error
}

// OK reports whether the item was written.
func (r ItemResult) OK() bool { return r.Err == nil }
