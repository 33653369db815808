package epg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="test">
  <channel id="tf1.fr">
    <display-name lang="fr">TF1 HD</display-name>
    <icon src="http://example.com/tf1.png"/>
  </channel>
  <channel id="france2.fr">
    <display-name></display-name>
    <display-name lang="fr">France 2</display-name>
  </channel>
  <channel id="">
    <display-name>No ID</display-name>
  </channel>
  <programme start="20250601120000 +0000" stop="20250601130000 +0000" channel="tf1.fr">
    <title lang="fr">Le Journal</title>
    <desc lang="fr">Les infos du jour.</desc>
    <category>News</category>
  </programme>
  <programme start="20250601140000 +0200" stop="20250601150000 +0200" channel="france2.fr">
    <title></title>
  </programme>
  <programme start="20250601160000" stop="20250601170000" channel="france2.fr">
    <title>Plain UTC</title>
  </programme>
  <programme start="not-a-time" stop="20250601180000 +0000" channel="tf1.fr">
    <title>Bad start</title>
  </programme>
  <programme start="20250601190000 +0000" stop="20250601190000 +0000" channel="tf1.fr">
    <title>Zero length</title>
  </programme>
</tv>`

func TestParseFeed(t *testing.T) {
	feed, err := ParseFeed(strings.NewReader(sampleFeed))
	require.NoError(t, err)

	// the empty-id channel, the bad timestamp and the zero-length entry
	require.Len(t, feed.Channels, 2)
	require.Len(t, feed.Programmes, 3)
	assert.Equal(t, 3, feed.Dropped)

	tf1 := feed.Channels[0]
	assert.Equal(t, "tf1.fr", tf1.ID)
	assert.Equal(t, "TF1 HD", tf1.DisplayName)
	assert.Equal(t, "http://example.com/tf1.png", tf1.IconURL)
	assert.Equal(t, "fr", tf1.Language)

	// blank display-name values are skipped, not taken as the name
	assert.Equal(t, "France 2", feed.Channels[1].DisplayName)
}

func TestParseFeedTimestamps(t *testing.T) {
	feed, err := ParseFeed(strings.NewReader(sampleFeed))
	require.NoError(t, err)
	require.Len(t, feed.Programmes, 3)

	// explicit +0000 zone
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), feed.Programmes[0].Start)
	// +0200 normalizes back to UTC
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), feed.Programmes[1].Start)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), feed.Programmes[1].End)
	// no zone suffix means UTC
	assert.Equal(t, time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC), feed.Programmes[2].Start)
}

func TestParseFeedTitleFallback(t *testing.T) {
	feed, err := ParseFeed(strings.NewReader(sampleFeed))
	require.NoError(t, err)

	assert.Equal(t, "Le Journal", feed.Programmes[0].Title)
	assert.Equal(t, untitledProgramme, feed.Programmes[1].Title)
}

func TestParseFeedNoChannels(t *testing.T) {
	feed, err := ParseFeed(strings.NewReader(`<?xml version="1.0"?><tv></tv>`))
	require.NoError(t, err)
	assert.Empty(t, feed.Channels)
	assert.Empty(t, feed.Programmes)
}

func TestParseFeedBrokenDocument(t *testing.T) {
	_, err := ParseFeed(strings.NewReader(`<tv><channel id="x"><display-na`))
	assert.Error(t, err)
}

func TestParseXMLTVTime(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
		wantErr  bool
	}{
		{"20250601120000 +0000", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false},
		{"20250601120000 +0530", time.Date(2025, 6, 1, 6, 30, 0, 0, time.UTC), false},
		{"20250601120000 -0400", time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC), false},
		{"20250601120000", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false},
		{"  20250601120000 +0100 ", time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), false},
		{"2025-06-01 12:00", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseXMLTVTime(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.expected), "got %v, want %v", got, tt.expected)
		})
	}
}
