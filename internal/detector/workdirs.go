package detector

import (
	"os"
	"sync"
)

// workDirs tracks unit directories so they can be removed when the
// process is interrupted before a run cleans up after itself.
var workDirs = struct {
	sync.Mutex
	dirs map[string]struct{}
}{dirs: make(map[string]struct{})}

func registerWorkDir(dir string) {
	workDirs.Lock()
	defer workDirs.Unlock()
	workDirs.dirs[dir] = struct{}{}
}

// releaseWorkDir forgets dir, removing it unless keep is set
func releaseWorkDir(dir string, keep bool) error {
	workDirs.Lock()
	delete(workDirs.dirs, dir)
	workDirs.Unlock()
	if keep {
		return nil
	}
	return os.RemoveAll(dir)
}

// CleanupWorkDirs removes every unit directory still registered. It is
// meant for signal handlers and deferred exits.
func CleanupWorkDirs() {
	workDirs.Lock()
	defer workDirs.Unlock()
	for dir := range workDirs.dirs {
		os.RemoveAll(dir)
		delete(workDirs.dirs, dir)
	}
}
