package worker

// ChunkDispatchEvent asks a worker to process one chunk of a synthesis job.
type ChunkDispatchEvent struct {
	OwnerID    string `json:"owner_id"`
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ChunkCompletedEvent reports the terminal outcome of one chunk. Failed
// chunks carry the error message; the audio itself stays in the store.
type ChunkCompletedEvent struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}
