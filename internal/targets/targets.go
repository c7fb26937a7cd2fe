// Package targets maintains a Prometheus file_sd target list of addresses
// that passed the monitoring readiness probe.
package targets

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the node exporter port scraped on every target.
const DefaultPort = 9100

// group is one file_sd entry.
type group struct {
	Targets []string          `yaml:"targets"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// File is a file_sd YAML file holding a single target group. It is safe
// for concurrent use within one process.
type File struct {
	path   string
	port   int
	labels map[string]string

	mu sync.Mutex
}

// NewFile returns a File writing to path. labels are attached to the group.
func NewFile(path string, labels map[string]string) *File {
	return &File{path: path, port: DefaultPort, labels: labels}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Add ensures ip is listed. It reports whether the file changed.
func (f *File) Add(ip string) (bool, error) {
	if net.ParseIP(ip).To4() == nil {
		return false, fmt.Errorf("targets: invalid IPv4 address %q", ip)
	}
	target := net.JoinHostPort(ip, strconv.Itoa(f.port))

	f.mu.Lock()
	defer f.mu.Unlock()
	current, err := f.read()
	if err != nil {
		return false, err
	}
	for _, t := range current {
		if t == target {
			return false, nil
		}
	}
	return true, f.write(append(current, target))
}

// Remove drops ip from the list. It reports whether the file changed.
func (f *File) Remove(ip string) (bool, error) {
	target := net.JoinHostPort(ip, strconv.Itoa(f.port))

	f.mu.Lock()
	defer f.mu.Unlock()
	current, err := f.read()
	if err != nil {
		return false, err
	}
	kept := current[:0]
	for _, t := range current {
		if t != target {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(current) {
		return false, nil
	}
	return true, f.write(kept)
}

// List returns the listed targets in sorted order.
func (f *File) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *File) read() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("targets: read %s: %w", f.path, err)
	}
	var groups []group
	if err := yaml.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("targets: parse %s: %w", f.path, err)
	}
	out := []string{}
	for _, g := range groups {
		out = append(out, g.Targets...)
	}
	sort.Strings(out)
	return out, nil
}

// write replaces the file atomically so a scraper never sees a partial list.
func (f *File) write(list []string) error {
	sort.Strings(list)
	data, err := yaml.Marshal([]group{{Targets: list, Labels: f.labels}})
	if err != nil {
		return fmt.Errorf("targets: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("targets: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".targets-*.yaml")
	if err != nil {
		return fmt.Errorf("targets: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("targets: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("targets: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("targets: rename: %w", err)
	}
	return nil
}
