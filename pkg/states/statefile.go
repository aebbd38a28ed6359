package states

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/terrane-io/terrane/pkg/engine"
)

// StateFileVersion is the statefile format version this build writes.
const StateFileVersion = 1

// fileState is the on-disk JSON shape of the statefile. Attribute values and
// outputs are stored with their cty type information so dynamic values
// round-trip exactly.
type fileState struct {
	Version   int                        `json:"version"`
	Serial    uint64                     `json:"serial"`
	Lineage   string                     `json:"lineage"`
	Resources []*fileRecord              `json:"resources"`
	Outputs   map[string]json.RawMessage `json:"outputs,omitempty"`
}

type fileRecord struct {
	Addr           string                     `json:"addr"`
	ID             string                     `json:"id"`
	Attrs          map[string]json.RawMessage `json:"attrs"`
	Dependencies   []string                   `json:"dependencies,omitempty"`
	Tainted        bool                       `json:"tainted,omitempty"`
	PreventDestroy bool                       `json:"prevent_destroy,omitempty"`
	Deposed        []string                   `json:"deposed,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
}

// FileStore persists engine state as a single JSON file. Every mutation
// rewrites the whole file atomically: the new content goes to a temporary
// file in the same directory, is fsynced, and then renamed over the old
// file, so a crash leaves either the previous or the new state, never a
// torn one. The store serializes all access internally.
type FileStore struct {
	path string

	mu      sync.Mutex
	loaded  bool
	serial  uint64
	lineage string
	records map[string]*engine.StateRecord
	outputs map[string]cty.Value
}

// NewFileStore creates a store backed by the given path. Call Load before
// first use.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		records: make(map[string]*engine.StateRecord),
		outputs: make(map[string]cty.Value),
	}
}

// Path returns the statefile location.
func (s *FileStore) Path() string {
	return s.path
}

// Lineage identifies the line of state this file belongs to. It is assigned
// when the file is first created and never changes afterwards.
func (s *FileStore) Lineage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineage
}

// Serial is the monotonic write counter, incremented on every persisted
// mutation.
func (s *FileStore) Serial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

// Load reads the statefile into memory. A missing file yields a fresh empty
// state with a new lineage; unreadable or malformed content is fatal.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.lineage = uuid.New().String()
		s.serial = 0
		s.records = make(map[string]*engine.StateRecord)
		s.outputs = make(map[string]cty.Value)
		s.loaded = true
		return nil
	}
	if err != nil {
		return engine.NewPermanentError("reading statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}

	var file fileState
	if err := json.Unmarshal(data, &file); err != nil {
		return corruptState(s.path, err)
	}
	if file.Version > StateFileVersion {
		return corruptState(s.path,
			fmt.Errorf("statefile version %d is newer than supported version %d", file.Version, StateFileVersion))
	}
	if file.Lineage == "" {
		return corruptState(s.path, fmt.Errorf("statefile has no lineage"))
	}

	records := make(map[string]*engine.StateRecord, len(file.Resources))
	for _, raw := range file.Resources {
		record, err := decodeRecord(raw)
		if err != nil {
			return corruptState(s.path, err)
		}
		records[record.Addr.String()] = record
	}
	outputs := make(map[string]cty.Value, len(file.Outputs))
	for name, raw := range file.Outputs {
		val, err := decodeValue(raw)
		if err != nil {
			return corruptState(s.path, fmt.Errorf("output %q: %w", name, err))
		}
		outputs[name] = val
	}

	s.serial = file.Serial
	s.lineage = file.Lineage
	s.records = records
	s.outputs = outputs
	s.loaded = true
	return nil
}

// Record implements engine.StateReader.
func (s *FileStore) Record(addr engine.Address) (*engine.StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[addr.String()]
	if !ok {
		return nil, false
	}
	return record.Copy(), true
}

// Records implements engine.StateReader.
func (s *FileStore) Records() []*engine.StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.StateRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Copy())
	}
	engine.SortRecords(out)
	return out
}

// Outputs returns the persisted root output values.
func (s *FileStore) Outputs() map[string]cty.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]cty.Value, len(s.outputs))
	for name, val := range s.outputs {
		out[name] = val
	}
	return out
}

// Output returns one persisted root output value.
func (s *FileStore) Output(name string) (cty.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.outputs[name]
	return val, ok
}

// Commit implements engine.StateStore: the record replaces any existing one
// for its address and the whole statefile is rewritten.
func (s *FileStore) Commit(record *engine.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Addr.String()] = record.Copy()
	return s.save()
}

// Remove implements engine.StateStore.
func (s *FileStore) Remove(addr engine.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, addr.String())
	return s.save()
}

// SetOutputs implements engine.StateStore, replacing the persisted root
// outputs wholesale.
func (s *FileStore) SetOutputs(outputs map[string]cty.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = make(map[string]cty.Value, len(outputs))
	for name, val := range outputs {
		s.outputs[name] = val
	}
	return s.save()
}

// save writes the current in-memory state to disk. Callers hold s.mu.
func (s *FileStore) save() error {
	if !s.loaded {
		return engine.NewPermanentError("statefile was never loaded", nil).
			WithCode(engine.ErrCodeCorruptState)
	}

	s.serial++
	file := &fileState{
		Version:   StateFileVersion,
		Serial:    s.serial,
		Lineage:   s.lineage,
		Resources: make([]*fileRecord, 0, len(s.records)),
		Outputs:   make(map[string]json.RawMessage, len(s.outputs)),
	}

	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		encoded, err := encodeRecord(s.records[key])
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("encoding state record %s", key), err).
				WithCode(engine.ErrCodeCorruptState)
		}
		file.Resources = append(file.Resources, encoded)
	}
	for name, val := range s.outputs {
		raw, err := encodeValue(val)
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("encoding output %q", name), err).
				WithCode(engine.ErrCodeCorruptState)
		}
		file.Outputs[name] = raw
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return engine.NewPermanentError("encoding statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		s.serial--
		return err
	}
	return nil
}

// writeAtomic replaces the statefile via write-new-then-rename. The
// temporary file lives in the destination directory so the rename never
// crosses filesystems.
func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return engine.NewPermanentError("creating state directory", err).
			WithCode(engine.ErrCodeCorruptState)
	}

	tmp, err := os.CreateTemp(dir, ".terrane-state-*.json")
	if err != nil {
		return engine.NewPermanentError("creating temporary statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return engine.NewPermanentError("writing statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return engine.NewPermanentError("syncing statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return engine.NewPermanentError("closing statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return engine.NewPermanentError("replacing statefile", err).
			WithCode(engine.ErrCodeCorruptState)
	}
	return nil
}

func encodeRecord(record *engine.StateRecord) (*fileRecord, error) {
	out := &fileRecord{
		Addr:           record.Addr.String(),
		ID:             record.ID,
		Attrs:          make(map[string]json.RawMessage, len(record.Attrs)),
		Tainted:        record.Tainted,
		PreventDestroy: record.PreventDestroy,
		Deposed:        append([]string(nil), record.Deposed...),
		CreatedAt:      record.CreatedAt,
	}
	for name, val := range record.Attrs {
		raw, err := encodeValue(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out.Attrs[name] = raw
	}
	for _, dep := range record.Dependencies {
		out.Dependencies = append(out.Dependencies, dep.String())
	}
	sort.Strings(out.Dependencies)
	return out, nil
}

func decodeRecord(raw *fileRecord) (*engine.StateRecord, error) {
	addr, err := engine.ParseAddress(raw.Addr)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", raw.Addr, err)
	}
	record := &engine.StateRecord{
		Addr:           addr,
		ID:             raw.ID,
		Attrs:          make(map[string]cty.Value, len(raw.Attrs)),
		Tainted:        raw.Tainted,
		PreventDestroy: raw.PreventDestroy,
		Deposed:        append([]string(nil), raw.Deposed...),
		CreatedAt:      raw.CreatedAt,
	}
	for name, rawVal := range raw.Attrs {
		val, err := decodeValue(rawVal)
		if err != nil {
			return nil, fmt.Errorf("resource %s attribute %q: %w", raw.Addr, name, err)
		}
		record.Attrs[name] = val
	}
	for _, dep := range raw.Dependencies {
		depAddr, err := engine.ParseAddress(dep)
		if err != nil {
			return nil, fmt.Errorf("resource %s dependency %q: %w", raw.Addr, dep, err)
		}
		record.Dependencies = append(record.Dependencies, depAddr)
	}
	return record, nil
}

// encodeValue serializes a cty value with its type so dynamic values
// round-trip.
func encodeValue(val cty.Value) (json.RawMessage, error) {
	return ctyjson.Marshal(val, cty.DynamicPseudoType)
}

func decodeValue(raw json.RawMessage) (cty.Value, error) {
	return ctyjson.Unmarshal(raw, cty.DynamicPseudoType)
}

func corruptState(path string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("statefile %s is corrupt", path), err).
		WithCode(engine.ErrCodeCorruptState)
}
