package epg

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"guidecast/models"
)

// xmltv document fragments. Only the fields the cache needs are decoded.
type xmltvChannel struct {
	ID           string       `xml:"id,attr"`
	DisplayNames []xmltvValue `xml:"display-name"`
	Icons        []xmltvIcon  `xml:"icon"`
}

type xmltvProgramme struct {
	Start      string       `xml:"start,attr"`
	Stop       string       `xml:"stop,attr"`
	Channel    string       `xml:"channel,attr"`
	Titles     []xmltvValue `xml:"title"`
	Descs      []xmltvValue `xml:"desc"`
	Categories []xmltvValue `xml:"category"`
}

type xmltvValue struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

// XMLTV timestamps are YYYYMMDDHHMMSS with an optional ±HHMM zone.
var xmltvTimeRegex = regexp.MustCompile(`^(\d{14})(?:\s*([+-]\d{4}))?$`)

const untitledProgramme = "Untitled programme"

// ParsedFeed is the outcome of one feed decode. Dropped counts entries
// skipped over missing ids, unparseable timestamps or inverted
// intervals; a partial decode is still usable.
type ParsedFeed struct {
	Channels   []models.ChannelRecord
	Programmes []models.ProgrammeRecord
	Dropped    int
}

// ParseFeed decodes an XMLTV document token by token so large guides
// never materialize as a DOM. Individual bad entries are dropped and
// counted; only a structurally broken document fails the parse.
func ParseFeed(r io.Reader) (*ParsedFeed, error) {
	decoder := xml.NewDecoder(r)
	feed := &ParsedFeed{}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xmltv document: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "channel":
			var ch xmltvChannel
			if err := decoder.DecodeElement(&ch, &se); err != nil {
				feed.Dropped++
				continue
			}
			record, ok := channelRecord(ch)
			if !ok {
				feed.Dropped++
				continue
			}
			feed.Channels = append(feed.Channels, record)

		case "programme":
			var p xmltvProgramme
			if err := decoder.DecodeElement(&p, &se); err != nil {
				feed.Dropped++
				continue
			}
			record, ok := programmeRecord(p)
			if !ok {
				feed.Dropped++
				continue
			}
			feed.Programmes = append(feed.Programmes, record)
		}
	}

	return feed, nil
}

func channelRecord(ch xmltvChannel) (models.ChannelRecord, bool) {
	if strings.TrimSpace(ch.ID) == "" {
		return models.ChannelRecord{}, false
	}
	record := models.ChannelRecord{
		ID:          strings.TrimSpace(ch.ID),
		DisplayName: firstNonEmpty(ch.DisplayNames),
	}
	if record.DisplayName == "" {
		record.DisplayName = record.ID
	}
	for _, v := range ch.DisplayNames {
		if strings.TrimSpace(v.Value) != "" {
			record.Language = v.Lang
			break
		}
	}
	if len(ch.Icons) > 0 {
		record.IconURL = ch.Icons[0].Src
	}
	return record, true
}

func programmeRecord(p xmltvProgramme) (models.ProgrammeRecord, bool) {
	if strings.TrimSpace(p.Channel) == "" {
		return models.ProgrammeRecord{}, false
	}
	start, err := parseXMLTVTime(p.Start)
	if err != nil {
		return models.ProgrammeRecord{}, false
	}
	end, err := parseXMLTVTime(p.Stop)
	if err != nil {
		return models.ProgrammeRecord{}, false
	}
	if !end.After(start) {
		return models.ProgrammeRecord{}, false
	}

	title := firstNonEmpty(p.Titles)
	if title == "" {
		title = untitledProgramme
	}
	return models.ProgrammeRecord{
		ChannelID:   strings.TrimSpace(p.Channel),
		Title:       title,
		Description: firstNonEmpty(p.Descs),
		Start:       start,
		End:         end,
		Category:    firstNonEmpty(p.Categories),
	}, true
}

// parseXMLTVTime normalizes an XMLTV timestamp to UTC. Timestamps
// without a zone suffix are taken as UTC already.
func parseXMLTVTime(value string) (time.Time, error) {
	m := xmltvTimeRegex.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized xmltv time %q", value)
	}
	if m[2] == "" {
		t, err := time.ParseInLocation("20060102150405", m[1], time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}

	sign := 1
	if m[2][0] == '-' {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2][1:3])
	if err != nil {
		return time.Time{}, err
	}
	minutes, err := strconv.Atoi(m[2][3:5])
	if err != nil {
		return time.Time{}, err
	}
	zone := time.FixedZone(m[2], sign*(hours*3600+minutes*60))
	t, err := time.ParseInLocation("20060102150405", m[1], zone)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func firstNonEmpty(values []xmltvValue) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.Value); s != "" {
			return s
		}
	}
	return ""
}
