//go:build !unix

package codecache

// Without mmap the code is kept on the Go heap; it is inspectable but not
// executable.

func pageSize() int { return 4096 }

func mapRegion(size int) ([]byte, error) { return make([]byte, size), nil }
func protectExec(mem []byte) error       { return nil }
func unmapRegion(mem []byte) error       { return nil }
