// Package store implements the content-addressed test-case repository: SHA-256-hashed
// bytes written under an output directory, with create-exclusive semantics distinguishing
// a first-seen ("new") discovery from a repeat ("duplicate") one.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// TestCaseKind is the closed enumeration of test case kinds.
type TestCaseKind string

const (
	KindNormal TestCaseKind = "normal"
	KindCrash  TestCaseKind = "crash"
	KindHang   TestCaseKind = "hang"
)

// TestCaseHandle opaquely identifies a stored test case. It is comparable and valid as a
// map key: two handles are equal iff both the hash and kind match.
type TestCaseHandle struct {
	Hash [32]byte
	Kind TestCaseKind
}

// HexHash returns the hex-encoded hash, the form used on the wire and in the audit log.
func (h TestCaseHandle) HexHash() string {
	return hex.EncodeToString(h.Hash[:])
}

// TestCase is the raw content backing a handle.
type TestCase struct {
	Content []byte
	Kind    TestCaseKind
}

// Verdict distinguishes a content hash seen for the first time from a repeat.
type Verdict int

const (
	New Verdict = iota
	Duplicate
)

// Store is a content-addressed repository rooted at a directory on disk.
type Store struct {
	outputDir string

	mu    sync.Mutex
	index map[TestCaseHandle]struct{}
	byHex map[string]TestCaseHandle
}

// NewStore constructs a Store rooted at outputDir, creating the per-kind subdirectories if they
// do not already exist.
func NewStore(outputDir string) (*Store, error) {
	for _, kind := range []TestCaseKind{KindNormal, KindCrash, KindHang} {
		if err := os.MkdirAll(filepath.Join(outputDir, string(kind)), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create store directory for kind %s", kind)
		}
	}
	return &Store{
		outputDir: outputDir,
		index:     make(map[TestCaseHandle]struct{}),
		byHex:     make(map[string]TestCaseHandle),
	}, nil
}

// Store writes tc to disk if its content hash has not been seen before for this kind, and
// reports whether it was New or a Duplicate. Any I/O error other than "already exists" is
// fatal and returned.
func (s *Store) Store(tc TestCase) (TestCaseHandle, Verdict, error) {
	sum := sha256.Sum256(tc.Content)
	handle := TestCaseHandle{Hash: sum, Kind: tc.Kind}
	path := s.path(handle)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			s.recordIndex(handle)
			return handle, Duplicate, nil
		}
		return TestCaseHandle{}, 0, errors.Wrapf(err, "create test case file %s", path)
	}
	defer file.Close()

	if _, err := file.Write(tc.Content); err != nil {
		return TestCaseHandle{}, 0, errors.Wrapf(err, "write test case file %s", path)
	}

	s.recordIndex(handle)
	return handle, New, nil
}

func (s *Store) recordIndex(handle TestCaseHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[handle] = struct{}{}
	s.byHex[handle.HexHash()] = handle
}

// Retrieve reads the content backing handle. It is a programming error to retrieve a handle
// this Store never produced; callers must only pass handles obtained from Store or
// HandleFromID.
func (s *Store) Retrieve(handle TestCaseHandle) (TestCase, error) {
	content, err := os.ReadFile(s.path(handle))
	if err != nil {
		if os.IsNotExist(err) {
			panic(errors.Errorf("retrieve called with a handle this store never produced: %s/%s", handle.Kind, handle.HexHash()))
		}
		return TestCase{}, errors.Wrapf(err, "read test case file for handle %s", handle.HexHash())
	}
	return TestCase{Content: content, Kind: handle.Kind}, nil
}

// HandleFromID resolves a hex-encoded hash to the handle previously produced for it, used to
// resolve parent references in incoming reports.
func (s *Store) HandleFromID(hexHash string) (TestCaseHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.byHex[hexHash]
	return handle, ok
}

func (s *Store) path(handle TestCaseHandle) string {
	return filepath.Join(s.outputDir, string(handle.Kind), handle.HexHash())
}
