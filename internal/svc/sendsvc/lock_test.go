package sendsvc_test

import (
	"os"
	"time"

	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

// writeForeignLock writes a lock file owned by pid 1, which is always alive.
func writeForeignLock(path string) error {
	info := filelock.Info{PID: 1, Started: time.Now()}
	return os.WriteFile(path, []byte(info.String()+"\n"), 0o644)
}
