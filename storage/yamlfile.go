package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// YAMLFile is a Store backed by a directory tree:
//
//	<root>/runlists/<name>.yaml   -- []RunlistEntry
//	<root>/profiles/<name>.yaml   -- arbitrary profile document
//	<root>/manifests/<name>.yaml  -- arbitrary manifest document
//
// Grounded on the teacher's convention of plain YAML/JSON config files
// read once at process start (examples/word-count/wordcountctl/main.go's
// flags-driven config loading), adapted from CLI flags to a directory of
// documents since a runlist is a named collection, not a single object.
type YAMLFile struct {
	root string
}

// NewYAMLFile returns a YAMLFile store rooted at dir.
func NewYAMLFile(dir string) *YAMLFile {
	return &YAMLFile{root: dir}
}

func (y *YAMLFile) Runlist(ctx context.Context, name string) ([]RunlistEntry, error) {
	var raw, err = os.ReadFile(filepath.Join(y.root, "runlists", name+".yaml"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound{Kind: "runlist", Name: name}
	} else if err != nil {
		return nil, errors.Wrap(err, "reading runlist")
	}
	var entries []RunlistEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing runlist")
	}
	return entries, nil
}

func (y *YAMLFile) Profile(ctx context.Context, name string) ([]byte, error) {
	return y.read("profiles", "profile", name)
}

func (y *YAMLFile) Manifest(ctx context.Context, name string) ([]byte, error) {
	return y.read("manifests", "manifest", name)
}

func (y *YAMLFile) read(subdir, kind, name string) ([]byte, error) {
	var raw, err = os.ReadFile(filepath.Join(y.root, subdir, name+".yaml"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound{Kind: kind, Name: name}
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading %s", kind)
	}
	return raw, nil
}

var _ Store = (*YAMLFile)(nil)
