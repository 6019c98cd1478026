package minecraft

import (
	"fmt"
	"regexp"

	"github.com/reedfamily/reedwrap/internal/game"
)

func init() {
	game.Register(&Adapter{})
}

type Adapter struct{}

// The name must follow the logger tag directly; chat lines put <sender>
// there, so players cannot fake a join or leave by typing one.
var (
	joinRe  = regexp.MustCompile(`^\[[^\]]*\] \[Server thread/INFO\](?: \[[^\]]*\])?: (\w+) joined the game$`)
	leaveRe = regexp.MustCompile(`^\[[^\]]*\] \[Server thread/INFO\](?: \[[^\]]*\])?: (\w+) left the game$`)
)

func (a *Adapter) Game() string { return "minecraft" }

func (a *Adapter) Markers() game.Markers {
	return game.Markers{
		Save: "Saved the game",
		Crash: []string{
			"Encountered an unexpected exception",
			"Exception in server tick loop",
			"This crash report has been saved to",
		},
		Ready:   "]: Done (",
		Release: "Removed objective [reedwrap_hold_%d]",
		Join:    joinRe,
		Leave:   leaveRe,
	}
}

func (a *Adapter) SaveCommand() string    { return "save-all flush" }
func (a *Adapter) SaveOffCommand() string { return "save-off" }
func (a *Adapter) SaveOnCommand() string  { return "save-on" }
func (a *Adapter) StopCommand() string    { return "stop" }

func (a *Adapter) BroadcastCommand(msg string) string { return "say " + msg }

// Scoreboard objectives serve as holds: vanilla acknowledges removal with a
// line naming the objective, which carries the id back.
func (a *Adapter) HoldCommand(id int64) string {
	return fmt.Sprintf("scoreboard objectives add reedwrap_hold_%d dummy", id)
}

func (a *Adapter) ReleaseCommand(id int64) string {
	return fmt.Sprintf("scoreboard objectives remove reedwrap_hold_%d", id)
}
