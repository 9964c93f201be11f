package mirror

import "golang.org/x/sys/unix"

func statMtime(st *unix.Stat_t) int64 {
	return st.Mtimespec.Sec
}
