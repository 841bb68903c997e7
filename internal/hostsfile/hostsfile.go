package hostsfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
)

// Store reads and writes the desired-host file: one host per line.
type Store struct {
	Path string
}

func New(path string) *Store { return &Store{Path: path} }

// Load returns the hosts in file order. Trailing whitespace is stripped and
// blank lines are skipped.
func (s *Store) Load() ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", s.Path, api.ErrConfigUnreadable, err)
	}
	defer f.Close()
	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRightFunc(sc.Text(), unicode.IsSpace)
		if line == "" {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", s.Path, api.ErrConfigUnreadable, err)
	}
	log.Debug().Str("path", s.Path).Strs("hosts", hosts).Msg("Hosts file loaded")
	return hosts, nil
}

// Save overwrites the file with one newline-terminated host per line. The
// content is written to a sibling temp file and renamed into place so a
// concurrent Load never sees a partial file.
func (s *Store) Save(hosts []string) error {
	var buf bytes.Buffer
	for _, h := range hosts {
		buf.WriteString(h)
		buf.WriteByte('\n')
	}
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp hosts file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp hosts file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp hosts file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp hosts file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("rename hosts file: %w", err)
	}
	return nil
}

// RemoveAndPersist drops every offline host from hosts and saves the result.
// The returned slice shares the backing array of hosts. It is a no-op when
// offline is empty.
func (s *Store) RemoveAndPersist(hosts []string, offline map[string]struct{}) ([]string, error) {
	if len(offline) == 0 {
		return hosts, nil
	}
	kept := hosts[:0]
	for _, h := range hosts {
		if _, gone := offline[h]; !gone {
			kept = append(kept, h)
		}
	}
	if err := s.Save(kept); err != nil {
		return kept, err
	}
	return kept, nil
}

// Add appends hosts that are not already present and saves the file,
// creating it if needed.
func (s *Store) Add(hosts ...string) ([]string, error) {
	current, err := s.Load()
	if err != nil {
		if _, serr := os.Stat(s.Path); !errors.Is(serr, fs.ErrNotExist) {
			return nil, err
		}
	}
	seen := make(map[string]struct{}, len(current))
	for _, h := range current {
		seen[h] = struct{}{}
	}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		current = append(current, h)
	}
	return current, s.Save(current)
}

// Remove deletes hosts from the file.
func (s *Store) Remove(hosts ...string) ([]string, error) {
	current, err := s.Load()
	if err != nil {
		return nil, err
	}
	drop := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		drop[h] = struct{}{}
	}
	kept := current[:0]
	for _, h := range current {
		if _, ok := drop[h]; !ok {
			kept = append(kept, h)
		}
	}
	return kept, s.Save(kept)
}
