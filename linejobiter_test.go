package loom

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type readCloser struct {
	io.Reader
	closed bool
}

func (r *readCloser) Close() error {
	r.closed = true
	return nil
}

func TestLineJobIter(t *testing.T) {
	tmp, err := ioutil.TempDir("", "loom-jobs")
	require.NoError(t, err)
	defer os.RemoveAll(tmp)

	a := filepath.Join(tmp, "a")
	b := filepath.Join(tmp, "b")
	require.NoError(t, os.Mkdir(a, 0755))
	require.NoError(t, os.Mkdir(b, 0755))

	input := fmt.Sprintf("%s\n\n# a comment\n  %s  \n", a, b)
	iter := NewLineJobIter(&readCloser{Reader: strings.NewReader(input)})

	j, err := iter.Next()
	require.NoError(t, err)
	require.Equal(t, a, j.Path)
	require.Equal(t, JobPending, j.Status)

	j, err = iter.Next()
	require.NoError(t, err)
	require.Equal(t, b, j.Path)

	_, err = iter.Next()
	require.Equal(t, io.EOF, err)
}

func TestLineJobIterNotADirectory(t *testing.T) {
	tmp, err := ioutil.TempDir("", "loom-jobs")
	require.NoError(t, err)
	defer os.RemoveAll(tmp)

	file := filepath.Join(tmp, "plain")
	require.NoError(t, ioutil.WriteFile(file, []byte("x"), 0644))

	iter := NewLineJobIter(&readCloser{Reader: strings.NewReader(file + "\n")})
	_, err = iter.Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected a directory")
}

func TestLineJobIterMissingPath(t *testing.T) {
	iter := NewLineJobIter(&readCloser{Reader: strings.NewReader("/does/not/exist\n")})
	_, err := iter.Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a repository path")
}

func TestLineJobIterClose(t *testing.T) {
	rc := &readCloser{Reader: strings.NewReader("")}
	iter := NewLineJobIter(rc)
	require.NoError(t, iter.Close())
	require.True(t, rc.closed)
}
