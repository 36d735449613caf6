package state

import (
	"bytes"
	"runtime"
	"strconv"
)

// goid returns the id of the calling goroutine, parsed from the header of
// its stack trace ("goroutine 42 [running]:").
func goid() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("state: cannot parse goroutine id: " + err.Error())
	}
	return id
}
