package vectordb

// Point is a scored search result with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertItem is a single point to insert into a collection.
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures the basic Qdrant upsert acknowledgement.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
