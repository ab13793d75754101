// Package blocklist persists the set of suspended clients.
//
// The list lives in a single newline delimited text file that the OpenVPN
// tls-verify hook reads on every handshake. Entries keep their insertion
// order, which is also the order they appear in the file and the order List
// returns. Lines starting with '#' and blank lines are ignored.
//
// Writers compute the complete new list, write it to a temporary file and
// rename it over the old one while holding an exclusive flock on
// "<path>.lock". Readers never lock: they always see a complete old or new
// file.
package blocklist

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/3scale/ovpn-access-manager/pkg/fileutil"
	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ErrCorrupt is returned when the blocklist file exists but its content
// cannot be trusted.
var ErrCorrupt = errors.Wrap(lifecycle.ErrStorage, "blocklist file is corrupt")

// DefaultLockTimeout bounds how long a mutation waits for another writer
const DefaultLockTimeout = 5 * time.Second

// Store is the blocklist file plus the lock that serializes its writers
type Store struct {
	path        string
	lock        *fileutil.Lock
	lockTimeout time.Duration
	logger      hclog.Logger
	mu          sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithLockTimeout sets how long mutations wait for the writer lock
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the logger used to report mutations
func WithLogger(l hclog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store persisting to path. The file does not need to exist.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lock:        fileutil.NewLock(path + ".lock"),
		lockTimeout: DefaultLockTimeout,
		logger:      hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the blocklist file
func (s *Store) Path() string {
	return s.path
}

// Add inserts name. Adding a name that is already listed is a no-op.
func (s *Store) Add(name string) error {
	return s.mutate("add", func(names []string) ([]string, bool) {
		if indexOf(names, name) >= 0 {
			return names, false
		}
		return append(names, name), true
	})
}

// Remove deletes name. Removing a name that is not listed is a no-op.
func (s *Store) Remove(name string) error {
	return s.mutate("remove", func(names []string) ([]string, bool) {
		i := indexOf(names, name)
		if i < 0 {
			return names, false
		}
		return append(names[:i:i], names[i+1:]...), true
	})
}

// Contains reports whether name is listed. An absent file lists nobody.
func (s *Store) Contains(name string) (bool, error) {
	names, _, err := Read(s.path)
	if err != nil {
		return false, err
	}
	return indexOf(names, name) >= 0, nil
}

// List returns the listed names in insertion order
func (s *Store) List() ([]string, error) {
	names, _, err := Read(s.path)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *Store) mutate(op string, fn func([]string) ([]string, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Acquire(s.lockTimeout); err != nil {
		return errors.Wrapf(lifecycle.ErrStorage, "blocklist %s: %v", op, err)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.Warn("releasing blocklist lock", "error", err)
		}
	}()

	names, _, err := Read(s.path)
	if err != nil {
		return errors.Wrapf(err, "blocklist %s", op)
	}

	updated, changed := fn(names)
	if !changed {
		return nil
	}
	// The hook runs as the unprivileged tunnel user, keep the file world readable
	if err := fileutil.WriteAtomic(s.path, encode(updated), 0644); err != nil {
		return errors.Wrapf(lifecycle.ErrStorage, "blocklist %s: %v", op, err)
	}
	s.logger.Debug("blocklist updated", "op", op, "entries", len(updated))
	return nil
}

// Read parses the blocklist file at path without taking any lock. It
// returns exists=false and no error when the file is absent. Any other read
// failure wraps lifecycle.ErrStorage, malformed content returns ErrCorrupt.
func Read(path string) (names []string, exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(lifecycle.ErrStorage, "reading blocklist %s: %v", path, err)
	}
	names, err = decode(data)
	if err != nil {
		return nil, true, errors.Wrapf(err, "%s", path)
	}
	return names, true, nil
}

func decode(data []byte) ([]string, error) {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, ErrCorrupt
	}

	var names []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), len(data)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return names, nil
}

func encode(names []string) []byte {
	var b bytes.Buffer
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
