package epg

import "errors"

// Sentinel errors for the ingestion and lookup pipeline. Callers can
// errors.Is against these to tell a transport problem from a bad feed or
// a broken store. An unmatched channel is not an error at all; lookups
// return an empty result for it.
var (
	ErrFeedFetch  = errors.New("epg: feed fetch failed")
	ErrFeedParse  = errors.New("epg: feed parse failed")
	ErrStoreWrite = errors.New("epg: store write failed")
	ErrStoreRead  = errors.New("epg: store read failed")
)
