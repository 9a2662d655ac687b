package loom

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

type lineJobIter struct {
	*bufio.Scanner
	r io.ReadCloser
}

// NewLineJobIter returns a JobIter that returns jobs generated from a
// reader with a list of repository paths, one per line. Blank lines and
// lines starting with # are ignored.
func NewLineJobIter(r io.ReadCloser) JobIter {
	return &lineJobIter{
		Scanner: bufio.NewScanner(r),
		r:       r,
	}
}

func (i *lineJobIter) Next() (*Job, error) {
	for {
		if !i.Scan() {
			if err := i.Err(); err != nil {
				return nil, err
			}

			return nil, io.EOF
		}

		line := strings.TrimSpace(string(i.Bytes()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		info, err := os.Stat(line)
		if err != nil {
			return nil, fmt.Errorf("not a repository path: %s", line)
		}

		if !info.IsDir() {
			return nil, fmt.Errorf("expected a directory: %s", line)
		}

		return NewJob(line), nil
	}
}

// Close closes the underlying reader.
func (i *lineJobIter) Close() error {
	return i.r.Close()
}
