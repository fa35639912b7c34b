package layercache

const (
	keySeparator      = ":"
	refreshLockSuffix = ":refresh"
)

// Key identifies an entry of a cache instance in the shared store.
type Key struct {
	// Namespace is unique per cache name and settings.
	Namespace string

	// Name is a caller-supplied key.
	Name string
}

// NewNamespace returns namespace of a cache instance.
func NewNamespace(cacheName string, settings LayeringSettings) string {
	return cacheName + keySeparator + settings.Fingerprint()
}

// String returns store key.
func (k Key) String() string {
	return k.Namespace + keySeparator + k.Name
}

// LockName returns name of a lock that guards value loading.
func (k Key) LockName() string {
	return k.String()
}

// RefreshLockName returns name of a lock that guards background refresh.
func (k Key) RefreshLockName() string {
	return k.String() + refreshLockSuffix
}

func namespacePrefix(namespace string) string {
	return namespace + keySeparator
}
