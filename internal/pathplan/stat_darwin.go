//go:build darwin

package pathplan

import (
	"os"
	"syscall"
	"time"
)

func statExtraTimes(info os.FileInfo) []time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return nil
	}

	return []time.Time{
		time.Unix(st.Ctimespec.Unix()),
		time.Unix(st.Atimespec.Unix()),
	}
}
