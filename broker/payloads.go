package broker

// Payloads for the pipeline tasks. Both nodes import these so the wire shape
// has a single definition.

// IngestTask indexes one uploaded document.
type IngestTask struct {
	DocumentID int64  `json:"document_id"`
	FileName   string `json:"file_name"` // stored name, fetched via the internal file endpoint
	Source     string `json:"source"`    // original upload name, used as chunk provenance
}

// ImageGenTask renders one image.
type ImageGenTask struct {
	ImageID int64  `json:"image_id"`
	Prompt  string `json:"prompt"`
	Style   string `json:"style,omitempty"`
	Size    string `json:"size,omitempty"`
	// Attempt counts connection-error retries, bounded by the runner.
	Attempt int `json:"attempt,omitempty"`
}

// TranscribeTask transcribes one meeting recording.
type TranscribeTask struct {
	MeetingID int64  `json:"meeting_id"`
	FileName  string `json:"file_name"`
}
