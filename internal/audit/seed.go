package audit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadSeed returns the sampling seed stored at path. ok is false when no
// seed has been stored yet.
func ReadSeed(path string) (seed uint64, ok bool, err error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from the audit layout.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read seed %s: %w", path, err)
	}
	seed, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || seed == 0 {
		return 0, false, fmt.Errorf("parse seed %s: invalid value %q", path, strings.TrimSpace(string(data)))
	}
	return seed, true, nil
}

// WriteSeed stores seed at path, replacing any previous value.
func WriteSeed(path string, seed uint64) error {
	if err := os.WriteFile(path, []byte(strconv.FormatUint(seed, 10)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write seed %s: %w", path, err)
	}
	return nil
}
