// Package runtimes persists observed script runtimes between runs so the
// scheduler can start expensive scripts first.
package runtimes

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/valrun/internal/task"
)

// BackupSuffix is appended to the previous store when a new one is written.
const BackupSuffix = "-old"

// Store maps task name to last observed runtime in seconds.
type Store struct {
	records map[string]float64
}

// New returns an empty store.
func New() *Store { return &Store{records: map[string]float64{}} }

// Load reads a store file. Lines have the form "name = seconds"; blank lines
// and lines starting with # are ignored. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := New()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open runtimes: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			log.Warn().Str("file", path).Int("line", n).Msg("skipping malformed runtime record")
			continue
		}
		name := strings.TrimSpace(line[:i])
		v, err := strconv.ParseFloat(strings.TrimSpace(line[i+1:]), 64)
		if name == "" || err != nil {
			log.Warn().Str("file", path).Int("line", n).Msg("skipping malformed runtime record")
			continue
		}
		s.records[name] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read runtimes: %w", err)
	}
	return s, nil
}

// Get returns the record for name.
func (s *Store) Get(name string) (float64, bool) {
	v, ok := s.records[name]
	return v, ok
}

// Set overwrites the record for name.
func (s *Store) Set(name string, seconds float64) { s.records[name] = seconds }

// Len is the number of records.
func (s *Store) Len() int { return len(s.records) }

// Names returns the recorded names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Mean is the arithmetic mean of all records, 0 for an empty store.
func (s *Store) Mean() float64 {
	if len(s.records) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.records {
		sum += v
	}
	return sum / float64(len(s.records))
}

// Estimate assigns every task its recorded runtime, or the mean of all
// records when the task has none.
func (s *Store) Estimate(tasks []*task.Task) {
	mean := s.Mean()
	for _, t := range tasks {
		if v, ok := s.records[t.Name]; ok {
			t.Runtime = v
		} else {
			t.Runtime = mean
		}
	}
}

// Update overwrites the records of every task with an observed wall time and
// returns how many records changed.
func (s *Store) Update(tasks []*task.Task) int {
	n := 0
	for _, t := range tasks {
		if wt := t.WallTime(); wt > 0 {
			s.records[t.Name] = wt.Seconds()
			n++
		}
	}
	return n
}

// Save writes the store to path after renaming any existing file to
// path+BackupSuffix, so exactly one previous snapshot is kept.
func (s *Store) Save(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+BackupSuffix); err != nil {
			return fmt.Errorf("backup runtimes: %w", err)
		}
	}
	var b strings.Builder
	for _, name := range s.Names() {
		fmt.Fprintf(&b, "%s = %s\n", name, strconv.FormatFloat(s.records[name], 'f', -1, 64))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write runtimes: %w", err)
	}
	return nil
}
