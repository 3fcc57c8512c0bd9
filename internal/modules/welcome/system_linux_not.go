//go:build !linux

package welcome

import (
	"errors"
	"fmt"
)

func totalMemory() (uint64, error) {
	return 0, fmt.Errorf("total memory without a proc root: %w", errors.ErrUnsupported)
}
