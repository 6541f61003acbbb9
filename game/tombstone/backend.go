package tombstone

// Backend is the durable storage behind a Store.
type Backend interface {
	// Load returns the owner's document. A missing document is not an error;
	// it loads as an empty File.
	Load(owner string) (*File, error)
	// Save replaces the owner's document.
	Save(owner string, f *File) error
	// Owners lists every owner with a stored document.
	Owners() ([]string, error)
}
