package qstore

// DataStore provides simple key-value storage for agent state.
// Each key is one file in the agent data directory.
type DataStore interface {
	// Get retrieves a value by key. A missing key returns an error
	// for which errors.Is(err, fs.ErrNotExist) is true; every other
	// error means the value exists but could not be read.
	// If decrypt is true, the value is opened with the store's Sealer.
	Get(key string, decrypt bool) ([]byte, error)

	// Set stores a value by key, replacing it atomically.
	// If encrypt is true, the value is sealed before storing.
	Set(key string, encrypt bool, value []byte) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(key string) error

	// Exists reports whether a key is present without reading it.
	Exists(key string) (bool, error)

	// Path returns the storage location for display purposes.
	Path() string
}
