package models

// Fingerprint is an acoustic hash vector as produced by the external
// codegen binary. Identity is exact value equality of the whole sequence.
type Fingerprint []uint32

// TagType is one entry of the server-curated tag vocabulary.
type TagType struct {
	ID   uint   // Database ID
	Name string // Tag name, e.g. "artist" or "title"
}

// TrackMatch is one candidate track for a query fingerprint, carrying the
// similarity score of its fingerprint and the current value of every tag
// that has ever been set for it. Tags with no revision are absent from the
// map, never present as an empty value.
type TrackMatch struct {
	TrackID string            `json:"trackId"`
	Score   float64           `json:"score"`
	Tags    map[string]string `json:"tags"`
}

// QueryResult is the answer for a single query fingerprint. The engine
// returns one QueryResult per input fingerprint, in input order; a query
// with no candidates has an empty (non-nil) Tracks slice.
type QueryResult struct {
	Fingerprint Fingerprint  `json:"fingerprint"`
	Tracks      []TrackMatch `json:"tracks"`
}

// UpdateItem carries the tag values a user wants to set on an existing track.
type UpdateItem struct {
	TrackID string            `json:"trackId"`
	Tags    map[string]string `json:"tags"`
}

// InsertItem carries a new upload: its fingerprint and initial tag values.
type InsertItem struct {
	Fingerprint Fingerprint       `json:"fingerprint"`
	Tags        map[string]string `json:"tags"`
}

// TrackData is one row of the paginated track listing: a track id and the
// current value of each of its tags.
type TrackData struct {
	TrackID string            `json:"trackId"`
	Tags    map[string]string `json:"tags"`
}
