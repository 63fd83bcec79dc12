package database

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/coder/hnsw"
)

// IndexedSubject is the metadata kept next to each vector in the SubjectIndex.
type IndexedSubject struct {
	SubjectID string
	SpecID    string
	EntityID  string
}

// Neighbor is one search hit from the SubjectIndex.
type Neighbor struct {
	IndexedSubject
	Similarity float64
}

// indexFile is the gob payload written next to the exported graph.
type indexFile struct {
	Entries []IndexedSubject
	Nodes   map[string]string
	Seq     uint64
}

// SubjectIndex is an in-memory HNSW index over subject feature vectors.
// Only subjects with a vector are indexed; excluded subjects are dropped from results.
//
// Graph nodes are never removed. A subject whose vector changes is re-added
// under a fresh node key (<subject id>@<seq>) and nodes maps each subject to
// its live node, so superseded and deleted nodes are filtered at search time.
type SubjectIndex struct {
	graph    *hnsw.Graph[string]
	subjects map[string]*IndexedSubject
	nodes    map[string]string // subject id -> live node key
	seq      uint64
	dim      int
	mu       sync.RWMutex
	path     string
}

// NewSubjectIndex creates a new empty index.
func NewSubjectIndex() *SubjectIndex {
	return &SubjectIndex{
		subjects: make(map[string]*IndexedSubject),
		nodes:    make(map[string]string),
	}
}

func newSubjectGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents with the given subjects.
func (h *SubjectIndex) Build(subjects []Subject) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dim = 0
	h.seq = 0
	h.subjects = make(map[string]*IndexedSubject, len(subjects))
	h.nodes = make(map[string]string, len(subjects))

	for i := range subjects {
		h.addLocked(&subjects[i])
	}
}

// Add indexes a subject or refreshes an indexed one. A changed vector is
// re-added to the graph; an unchanged one only updates the metadata.
// Subjects without a vector, excluded subjects, and vectors whose dimension
// differs from the index are removed from the index instead.
func (h *SubjectIndex) Add(s *Subject) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(s)
}

func (h *SubjectIndex) addLocked(s *Subject) {
	if !s.HasVector() || s.IsMarkedAsNonTarget || (h.dim != 0 && len(s.FeatureVector) != h.dim) {
		h.removeLocked(s.ID)
		return
	}
	entry := &IndexedSubject{SubjectID: s.ID, SpecID: s.TargetSpecID, EntityID: s.EntityID}
	if key, ok := h.nodes[s.ID]; ok {
		if vec, found := h.graph.Lookup(key); found && sameVector(vec, s.FeatureVector) {
			h.subjects[s.ID] = entry
			return
		}
	}
	if h.graph == nil {
		h.graph = newSubjectGraph()
		h.dim = len(s.FeatureVector)
	}
	key := h.freshKeyLocked(s.ID)
	h.graph.Add(hnsw.MakeNode(key, []float32(s.FeatureVector.Clone())))
	h.subjects[s.ID] = entry
	h.nodes[s.ID] = key
}

// freshKeyLocked returns a node key for the subject that the graph does not hold yet.
func (h *SubjectIndex) freshKeyLocked(subjectID string) string {
	key := subjectID
	for {
		if _, taken := h.graph.Lookup(key); !taken {
			return key
		}
		h.seq++
		key = fmt.Sprintf("%s%s%d", subjectID, nodeKeySeparator, h.seq)
	}
}

const nodeKeySeparator = "@"

func sameVector(a hnsw.Vector, b FeatureVector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *SubjectIndex) removeLocked(subjectID string) {
	delete(h.subjects, subjectID)
	delete(h.nodes, subjectID)
}

// Sync reconciles the index with the authoritative subject list: missing or
// changed subjects are (re-)added and indexed subjects absent from the list
// are removed. Returns the number of subjects removed.
func (h *SubjectIndex) Sync(subjects []Subject) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	live := make(map[string]bool, len(subjects))
	for i := range subjects {
		live[subjects[i].ID] = true
		h.addLocked(&subjects[i])
	}
	removed := 0
	for id := range h.subjects {
		if !live[id] {
			h.removeLocked(id)
			removed++
		}
	}
	return removed
}

// SetEntity updates the cached entity of an indexed subject.
// Returns false if the subject is not indexed.
func (h *SubjectIndex) SetEntity(subjectID, entityID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.subjects[subjectID]
	if !ok {
		return false
	}
	entry.EntityID = entityID
	return true
}

// Delete removes a subject from search results.
func (h *SubjectIndex) Delete(subjectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(subjectID)
}

// Search returns up to k indexed subjects of the given spec closest to query,
// ordered by decreasing similarity. Subjects listed in exclude are skipped.
func (h *SubjectIndex) Search(query []float32, specID string, k int, exclude ...string) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, errors.New("index not initialized")
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), h.dim)
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	nodes := h.graph.Search(query, (k+len(exclude))*HNSWSearchMultiplier)

	out := make([]Neighbor, 0, k)
	for _, n := range nodes {
		id, _, _ := strings.Cut(n.Key, nodeKeySeparator)
		if h.nodes[id] != n.Key || skip[id] {
			continue
		}
		entry, ok := h.subjects[id]
		if !ok || entry.SpecID != specID {
			continue
		}
		out = append(out, Neighbor{
			IndexedSubject: *entry,
			Similarity:     CosineSimilarity(query, n.Value),
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Count returns the number of indexed subjects.
func (h *SubjectIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subjects)
}

// SetPath sets the path for saving the index.
func (h *SubjectIndex) SetPath(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = path
}

// Save persists the graph and its subject metadata next to each other
// (<path> and <path>.subjects). A no-op when no path is configured.
func (h *SubjectIndex) Save() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.path == "" {
		return nil
	}

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(h.path)
		_ = os.Remove(h.path + ".subjects")
		return nil
	}

	f, err := os.Create(h.path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing HNSW index file: %w", err)
	}

	file := indexFile{Entries: make([]IndexedSubject, 0, len(h.subjects)), Nodes: h.nodes, Seq: h.seq}
	for _, e := range h.subjects {
		file.Entries = append(file.Entries, *e)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("failed to encode index subjects: %w", err)
	}
	if err := os.WriteFile(h.path+".subjects", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write index subjects: %w", err)
	}
	return nil
}

// Load restores an index written by Save. Returns false when no saved index exists.
func (h *SubjectIndex) Load(path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return false, fmt.Errorf("failed to load HNSW index: %w", err)
	}

	data, err := os.ReadFile(path + ".subjects") //nolint:gosec // path is from trusted config
	if err != nil {
		return false, fmt.Errorf("failed to read index subjects: %w", err)
	}
	var file indexFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&file); err != nil {
		return false, fmt.Errorf("failed to decode index subjects: %w", err)
	}

	h.graph = saved.Graph
	h.dim = saved.Dims()
	h.subjects = make(map[string]*IndexedSubject, len(file.Entries))
	for i := range file.Entries {
		h.subjects[file.Entries[i].SubjectID] = &file.Entries[i]
	}
	h.seq = file.Seq
	h.nodes = file.Nodes
	if h.nodes == nil {
		h.nodes = make(map[string]string, len(file.Entries))
	}
	for id := range h.subjects {
		if _, ok := h.nodes[id]; ok {
			continue
		}
		if _, found := h.graph.Lookup(id); found {
			h.nodes[id] = id
		} else {
			delete(h.subjects, id)
		}
	}
	return true, nil
}
