package queue

const (
	TopicFiles   = "lead_files"
	TopicBatches = "lead_batches"
)

// FileMessage announces a newly uploaded spreadsheet to the ingestion
// pipeline.
type FileMessage struct {
	UploadID  string `json:"upload_id"`
	TraceID   string `json:"trace_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// BatchMessage points at one fixed-size batch of raw leads. Batches are
// processed independently and in no particular order.
type BatchMessage struct {
	UploadID   string `json:"upload_id"`
	TraceID    string `json:"trace_id"`
	BatchIndex int    `json:"batch_index"`
	ObjectKey  string `json:"object_key"`
	LeadCount  int    `json:"lead_count"`
}
