package scheduler

import "fmt"

// nameAllocator hands out the smallest index in [1, size] not currently in use, so worker names are reused
// once their previous holder has been reaped.
type nameAllocator struct {
	used []bool
}

func newNameAllocator(size int) *nameAllocator {
	return &nameAllocator{used: make([]bool, size)}
}

// allocate returns false if every index is in use.
func (a *nameAllocator) allocate() (int, bool) {
	for i, used := range a.used {
		if !used {
			a.used[i] = true
			return i + 1, true
		}
	}
	return 0, false
}

func (a *nameAllocator) free(index int) {
	if index >= 1 && index <= len(a.used) {
		a.used[index-1] = false
	}
}

func workerName(index int) string {
	return fmt.Sprintf("STP[%d]", index)
}
