package facts

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ReadHandleList parses a plain list of previously seen issue handles, one
// per line. Blank lines and lines starting with '#' are skipped. Used when
// the caller supplies an explicit prior-handle file instead of a full
// previous-run stream.
func ReadHandleList(r io.Reader) ([]string, error) {
	var handles []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		handles = append(handles, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read handle list: %w", err)
	}
	return handles, nil
}
