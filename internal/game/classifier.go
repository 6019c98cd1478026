package game

import (
	"strconv"
	"strings"
)

// Kind tags the variant of an Event.
type Kind int

const (
	Generic Kind = iota
	Ignored
	SaveComplete
	CrashDetected
	ResourceReleased
	Ready
	PlayerJoined
	PlayerLeft
)

func (k Kind) String() string {
	switch k {
	case Generic:
		return "generic"
	case Ignored:
		return "ignored"
	case SaveComplete:
		return "save_complete"
	case CrashDetected:
		return "crash_detected"
	case ResourceReleased:
		return "resource_released"
	case Ready:
		return "ready"
	case PlayerJoined:
		return "player_joined"
	case PlayerLeft:
		return "player_left"
	}
	return "unknown"
}

// Event is produced from exactly one line of worker output.
type Event struct {
	Kind   Kind
	Line   string
	ID     int64  // ResourceReleased
	Player string // PlayerJoined, PlayerLeft
}

// Classifier turns worker output lines into events. It holds no mutable
// state and is safe for concurrent use by both stream pumps.
type Classifier struct {
	markers       Markers
	releasePrefix string
	releaseSuffix string
	debug         bool
}

func NewClassifier(markers Markers, debug bool) *Classifier {
	c := &Classifier{markers: markers, debug: debug}
	if prefix, suffix, ok := strings.Cut(markers.Release, "%d"); ok {
		c.releasePrefix, c.releaseSuffix = prefix, suffix
	}
	return c
}

// Classify applies the rules in order; the first match wins.
func (c *Classifier) Classify(line string) Event {
	if !c.debug && isStackTrace(line) {
		return Event{Kind: Ignored, Line: line}
	}
	if c.markers.Save != "" && strings.Contains(line, c.markers.Save) {
		return Event{Kind: SaveComplete, Line: line}
	}
	for _, marker := range c.markers.Crash {
		if marker != "" && strings.Contains(line, marker) {
			return Event{Kind: CrashDetected, Line: line}
		}
	}
	if id, ok := c.releasedID(line); ok {
		return Event{Kind: ResourceReleased, Line: line, ID: id}
	}
	if c.markers.Ready != "" && strings.Contains(line, c.markers.Ready) {
		return Event{Kind: Ready, Line: line}
	}
	if c.markers.Join != nil {
		if m := c.markers.Join.FindStringSubmatch(line); m != nil {
			return Event{Kind: PlayerJoined, Line: line, Player: m[1]}
		}
	}
	if c.markers.Leave != nil {
		if m := c.markers.Leave.FindStringSubmatch(line); m != nil {
			return Event{Kind: PlayerLeft, Line: line, Player: m[1]}
		}
	}
	return Event{Kind: Generic, Line: line}
}

func (c *Classifier) releasedID(line string) (int64, bool) {
	if c.releasePrefix == "" {
		return 0, false
	}
	_, rest, ok := strings.Cut(line, c.releasePrefix)
	if !ok {
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 || !strings.HasPrefix(rest[end:], c.releaseSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// isStackTrace matches JVM and .NET stack frame continuation lines.
func isStackTrace(line string) bool {
	if strings.HasPrefix(line, "Caused by: ") {
		return true
	}
	if line == "" || (line[0] != ' ' && line[0] != '\t') {
		return false
	}
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, "at ") || strings.HasPrefix(trimmed, "... ")
}
