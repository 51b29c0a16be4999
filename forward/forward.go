// Package forward implements the bidirectional byte copy between a paired
// visitor and mapper stream (spec §4.6, C6).
package forward

import (
	"io"
	"net"
	"sync"
)

const bufSize = 4096

// Copy is a memory-optimized io.Copy, adapted from the teacher's
// std.Copy: it prefers WriterTo/ReaderFrom to avoid an extra allocation
// and falls back to a single reusable buffer.
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}
	buf := make([]byte, bufSize)
	return io.CopyBuffer(dst, src, buf)
}

type halfCloser interface {
	CloseWrite() error
}

// Pipe copies bytes bidirectionally between a and b until both directions
// have terminated. Unlike the teacher's std.Pipe (which closes both ends
// the moment either direction reaches EOF), Pipe propagates a half-close:
// when one direction's reader hits EOF, only the opposing write side is
// shut down, letting the still-open direction finish delivering whatever
// response is in flight (spec §4.6). A genuine I/O error, by contrast,
// terminates both directions immediately and is reported back.
func Pipe(a, b net.Conn) (errA, errB error) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := Copy(b, a)
		errA = filterEOF(err)
		shutdown(b, errA)
	}()

	go func() {
		defer wg.Done()
		_, err := Copy(a, b)
		errB = filterEOF(err)
		shutdown(a, errB)
	}()

	wg.Wait()
	return
}

func shutdown(c net.Conn, err error) {
	if err != nil {
		// a real I/O error: no point letting the other direction linger.
		c.Close()
		return
	}
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	c.Close()
}

func filterEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
