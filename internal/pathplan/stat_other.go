//go:build !linux && !darwin

package pathplan

import (
	"os"
	"time"
)

func statExtraTimes(_ os.FileInfo) []time.Time {
	return nil
}
