package atomicfile

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// renameio has no Windows support; atomic uses MoveFileEx there
func replace(path string, data []byte, _ os.FileMode) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}
