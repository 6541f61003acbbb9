package item

// Ref addresses an item inside a container: the position of its root item
// plus the chain of slot keys leading down to it.
type Ref struct {
	Root int      `json:"root"`
	Path []string `json:"path,omitempty"`
}

// RefOf builds the reference of it within inv. ok is false when it is not
// held (directly or through slots) by inv.
func RefOf(inv *Inventory, it *Item) (Ref, bool) {
	if it == nil {
		return Ref{}, false
	}
	var path []string
	n := it
	for n.parent != nil {
		path = append(path, n.slotKey)
		n = n.parent
	}
	pos := inv.IndexOf(n)
	if pos < 0 {
		return Ref{}, false
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return Ref{Root: pos, Path: path}, true
}

// Resolve finds the item addressed by ref, or nil.
func Resolve(inv *Inventory, ref Ref) *Item {
	n := inv.GetItemAt(ref.Root)
	for _, k := range ref.Path {
		if n == nil {
			return nil
		}
		n = n.Slot(k)
	}
	return n
}
