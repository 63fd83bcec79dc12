package database

// HNSW index parameters for subject embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after filtering out excluded subjects.
	HNSWSearchMultiplier = 3
)

// Backend names accepted by Open
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)
