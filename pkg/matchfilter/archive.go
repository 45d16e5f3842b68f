package matchfilter

import "sync"

// Archiver bundles families into a portable archive file. The concrete
// bundler lives outside this package and registers itself here, which
// keeps archive container details out of the detection model.
type Archiver interface {
	// Archive writes the families to path. Implementations must refuse to
	// replace an existing file unless overwrite is set.
	Archive(families []*Family, path string, overwrite bool) error
}

var (
	archiverMu     sync.RWMutex
	activeArchiver Archiver
)

// SetArchiver registers the bundler used by Write with FormatTar. Passing
// nil removes the current one.
func SetArchiver(a Archiver) {
	archiverMu.Lock()
	defer archiverMu.Unlock()
	activeArchiver = a
}

func currentArchiver() Archiver {
	archiverMu.RLock()
	defer archiverMu.RUnlock()
	return activeArchiver
}
