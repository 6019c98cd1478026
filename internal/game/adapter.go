package game

import "regexp"

// Adapter provides the game-specific vocabulary of a worker: the output
// markers the classifier looks for and the commands written to stdin.
type Adapter interface {
	// Game returns the game identifier (e.g., "minecraft", "vintagestory")
	Game() string

	Markers() Markers

	SaveCommand() string

	// SaveOffCommand and SaveOnCommand suspend and resume the worker's own
	// disk writes while files are copied. Empty when the game has none.
	SaveOffCommand() string
	SaveOnCommand() string

	// StopCommand returns the graceful stop command for the server
	StopCommand() string

	BroadcastCommand(msg string) string

	// HoldCommand pins an ephemeral resource tagged with id; ReleaseCommand
	// frees it and makes the worker print the Release marker. Empty when
	// unsupported.
	HoldCommand(id int64) string
	ReleaseCommand(id int64) string
}

// Markers are the substrings and patterns recognised in worker output.
type Markers struct {
	Save  string
	Crash []string
	Ready string
	// Release is a format string with a single %d for the resource id.
	Release string
	Join    *regexp.Regexp
	Leave   *regexp.Regexp
}

// Override returns m with each non-empty argument replacing its marker.
func (m Markers) Override(save, crash, ready, release string) Markers {
	if save != "" {
		m.Save = save
	}
	if crash != "" {
		m.Crash = []string{crash}
	}
	if ready != "" {
		m.Ready = ready
	}
	if release != "" {
		m.Release = release
	}
	return m
}
