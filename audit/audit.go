// Package audit persists an append-only record of discoveries, dispatches, fuzzer events, and
// analysis-state diffs on go.etcd.io/bbolt, an embedded key-value store. Each logical record
// kind gets its own bbolt bucket.
package audit

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/collabfuzz/collabfuzz/wire"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFuzzerTypes     = []byte("fuzzer_types")
	bucketTestCaseTypes   = []byte("test_case_types")
	bucketFuzzerEventTypes = []byte("fuzzer_event_types")
	bucketAnalysisTypes   = []byte("analysis_types")

	bucketFuzzers        = []byte("fuzzers")
	bucketTestCases      = []byte("test_cases")
	bucketDiscoveries    = []byte("discoveries")
	bucketDispatch       = []byte("dispatch")
	bucketFuzzerEvents   = []byte("fuzzer_events")
	bucketAnalysisStates = []byte("analysis_states")
)

// FuzzerEventKind is the closed enumeration seeded into fuzzer_event_types.
type FuzzerEventKind string

const (
	EventRegistered   FuzzerEventKind = "registered"
	EventDeregistered FuzzerEventKind = "deregistered"
	EventReady        FuzzerEventKind = "ready"
)

// Log is the audit database for one run.
type Log struct {
	db *bolt.DB
}

// Open creates (or opens) the bbolt database at path, seeding its lookup buckets on first
// use. It is fatal for the database to already contain data from a previous run.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log at %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketFuzzers, bucketTestCases, bucketDiscoveries, bucketDispatch,
			bucketFuzzerEvents, bucketAnalysisStates,
		} {
			if b := tx.Bucket(bucket); b != nil {
				if k, _ := b.Cursor().First(); k != nil {
					return errors.Errorf("audit log at %s already holds records from a previous run", path)
				}
			}
		}
		for _, bucket := range [][]byte{
			bucketFuzzerTypes, bucketTestCaseTypes, bucketFuzzerEventTypes, bucketAnalysisTypes,
			bucketFuzzers, bucketTestCases, bucketDiscoveries, bucketDispatch,
			bucketFuzzerEvents, bucketAnalysisStates,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "create bucket %s", bucket)
			}
		}
		return seedEnumerations(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

func seedEnumerations(tx *bolt.Tx) error {
	fuzzerTypes := tx.Bucket(bucketFuzzerTypes)
	for _, t := range []registry.FuzzerType{
		registry.TypeUnknown, registry.TypeAFL, registry.TypeAngora, registry.TypeQSYM,
		registry.TypeLibFuzzer, registry.TypeHoneyFuzz, registry.TypeAFLFast,
		registry.TypeFairFuzz, registry.TypeRadamsa,
	} {
		if err := fuzzerTypes.Put([]byte(t), []byte{1}); err != nil {
			return err
		}
	}

	testCaseTypes := tx.Bucket(bucketTestCaseTypes)
	for _, k := range []store.TestCaseKind{store.KindNormal, store.KindCrash, store.KindHang} {
		if err := testCaseTypes.Put([]byte(k), []byte{1}); err != nil {
			return err
		}
	}

	eventTypes := tx.Bucket(bucketFuzzerEventTypes)
	for _, e := range []FuzzerEventKind{EventRegistered, EventDeregistered, EventReady} {
		if err := eventTypes.Put([]byte(e), []byte{1}); err != nil {
			return err
		}
	}

	return nil
}

// RegisterAnalysisKind seeds one entry into analysis_types; called once per derived-state
// kind at startup.
func (l *Log) RegisterAnalysisKind(kind string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalysisTypes).Put([]byte(kind), []byte{1})
	})
}

// RecordFuzzer writes a fuzzers row on registration.
func (l *Log) RecordFuzzer(id registry.FuzzerId, fuzzerType registry.FuzzerType) error {
	payload, err := wire.Encode(struct {
		Type         registry.FuzzerType `cbor:"type"`
		RegisteredAt time.Time            `cbor:"registered_at"`
	}{Type: fuzzerType, RegisteredAt: time.Now()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFuzzers).Put(idKey(id), payload)
	})
}

// RecordFuzzerEvent appends a fuzzer_events row. Callers are responsible for only invoking
// this when the event actually occurred — in particular, registry.Deregister's bool return
// must be true before this is called with EventDeregistered, fixing the original
// implementation's log-before-check bug.
func (l *Log) RecordFuzzerEvent(id registry.FuzzerId, kind FuzzerEventKind) error {
	payload, err := wire.Encode(struct {
		FuzzerID registry.FuzzerId `cbor:"fuzzer_id"`
		Kind     FuzzerEventKind    `cbor:"kind"`
		At       time.Time          `cbor:"at"`
	}{FuzzerID: id, Kind: kind, At: time.Now()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketFuzzerEvents).NextSequence()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFuzzerEvents).Put(seqKey(seq), payload)
	})
}

// RecordTestCase writes a test_cases row the first time a handle is stored.
func (l *Log) RecordTestCase(handle store.TestCaseHandle) error {
	payload, err := wire.Encode(struct {
		Kind     store.TestCaseKind `cbor:"kind"`
		StoredAt time.Time          `cbor:"stored_at"`
	}{Kind: handle.Kind, StoredAt: time.Now()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTestCases).Put([]byte(handle.HexHash()), payload)
	})
}

// RecordDiscovery writes a discoveries row, enforced unique on (hash, fuzzer) by the
// composite key, and sets IsNew only for the first fuzzer to report this content hash —
// checked by seeking for any discoveries row with this hash inside the same write
// transaction, which bbolt serializes so the check is race-free without any additional
// mutex. A repeat report by the same fuzzer leaves its existing row untouched.
func (l *Log) RecordDiscovery(handle store.TestCaseHandle, fuzzerID registry.FuzzerId) (isNewDiscovery bool, err error) {
	key := discoveryKey(handle, fuzzerID)
	err = l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDiscoveries)
		if bucket.Get(key) != nil {
			return nil
		}

		prefix := []byte(handle.HexHash() + "|")
		k, _ := bucket.Cursor().Seek(prefix)
		isNewDiscovery = k == nil || !bytes.HasPrefix(k, prefix)

		payload, encErr := wire.Encode(struct {
			IsNew bool      `cbor:"is_new"`
			At    time.Time `cbor:"at"`
		}{IsNew: isNewDiscovery, At: time.Now()})
		if encErr != nil {
			return encErr
		}
		return bucket.Put(key, payload)
	})
	return isNewDiscovery, err
}

// RecordAnalysisState writes one derived state's diff for a given discovery, keyed by the
// composite (discovery, analysis kind) primary key of the original schema.
func (l *Log) RecordAnalysisState(handle store.TestCaseHandle, fuzzerID registry.FuzzerId, analysisKind string, diff any) error {
	payload, err := wire.Encode(diff)
	if err != nil {
		return err
	}
	key := append(discoveryKey(handle, fuzzerID), []byte("|"+analysisKind)...)
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalysisStates).Put(key, payload)
	})
}

// RecordDispatch appends a dispatch row.
func (l *Log) RecordDispatch(fuzzerID registry.FuzzerId, handles []store.TestCaseHandle) error {
	hexHashes := make([]string, len(handles))
	for i, h := range handles {
		hexHashes[i] = h.HexHash()
	}
	payload, err := wire.Encode(struct {
		FuzzerID registry.FuzzerId `cbor:"fuzzer_id"`
		Handles  []string          `cbor:"handles"`
		At       time.Time         `cbor:"at"`
	}{FuzzerID: fuzzerID, Handles: hexHashes, At: time.Now()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketDispatch).NextSequence()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDispatch).Put(seqKey(seq), payload)
	})
}

// Close flushes and closes the database file.
func (l *Log) Close() error {
	return l.db.Close()
}

func idKey(id registry.FuzzerId) []byte {
	return []byte(id.String())
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func discoveryKey(handle store.TestCaseHandle, fuzzerID registry.FuzzerId) []byte {
	return []byte(handle.HexHash() + "|" + fuzzerID.String())
}
