package storage

// The pgvector and Milvus backends need live servers, so their behavior is
// covered elsewhere; these assertions pin every backend to the interfaces
// the rest of the module depends on.
var (
	_ VectorIndex = (*FlatIndex)(nil)
	_ VectorIndex = (*PgVectorIndex)(nil)
	_ VectorIndex = (*MilvusIndex)(nil)

	_ ObjectStore = (*LocalObjectStore)(nil)
)
