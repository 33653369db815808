package models

import (
	"time"
)

// ChannelRecord represents a canonical guide channel recovered from the feed.
type ChannelRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IconURL     string `json:"iconUrl,omitempty"`
	Category    string `json:"category"`
	Language    string `json:"language,omitempty"`
}

// ProgrammeRecord represents a single scheduled broadcast on a channel.
type ProgrammeRecord struct {
	ChannelID       string    `json:"channelId"` // Links to ChannelRecord.ID
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"durationMinutes"`
	Category        string    `json:"category"`
	SourceTag       string    `json:"sourceTag,omitempty"`
}

// PlaylistChannel identifies a playlist entry loosely: by display name plus
// whatever tvg metadata the playlist carried. None of the fields except Name
// are guaranteed to be present.
type PlaylistChannel struct {
	Name    string `json:"name"`
	TvgID   string `json:"tvgId,omitempty"`
	TvgName string `json:"tvgName,omitempty"`
}

// CacheState enumerates the lifecycle of the guide cache.
type CacheState string

const (
	CacheStateIdle       CacheState = "idle"
	CacheStateLoading    CacheState = "loading"
	CacheStateProcessing CacheState = "processing"
	CacheStateReady      CacheState = "ready"
	CacheStateError      CacheState = "error"
)

// CacheStatus represents the externally visible state of the guide cache.
type CacheStatus struct {
	State                     CacheState `json:"state"`
	ProgressPercent           int        `json:"progressPercent"`
	ChannelCount              int        `json:"channelCount"`
	ProgrammeCount            int        `json:"programmeCount"`
	FirstSessionAfterDownload bool       `json:"firstSessionAfterDownload"`
	LastError                 string     `json:"lastError,omitempty"`
	LastUpdated               *time.Time `json:"lastUpdated,omitempty"`
}

// StoreStats summarizes what the persistent store currently holds.
type StoreStats struct {
	ChannelCount     int        `json:"channelCount"`
	ProgrammeCount   int        `json:"programmeCount"`
	OrphanProgrammes int        `json:"orphanProgrammes"`
	LastUpdated      *time.Time `json:"lastUpdated,omitempty"`
}
