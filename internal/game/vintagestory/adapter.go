package vintagestory

import (
	"regexp"

	"github.com/reedfamily/reedwrap/internal/game"
)

func init() {
	game.Register(&Adapter{})
}

type Adapter struct{}

// Only [Server Event] lines count; chat is logged under [Server Chat].
var (
	joinRe  = regexp.MustCompile(`^[\d.: ]*\[Server Event\] Player (\w+) joins`)
	leaveRe = regexp.MustCompile(`^[\d.: ]*\[Server Event\] Player (\w+) left`)
)

func (a *Adapter) Game() string { return "vintagestory" }

func (a *Adapter) Markers() game.Markers {
	return game.Markers{
		Save:  "Autosave completed",
		Crash: []string{"Server crash", "Unhandled Exception"},
		Ready: "Dedicated Server now running",
		Join:  joinRe,
		Leave: leaveRe,
	}
}

func (a *Adapter) SaveCommand() string    { return "/autosavenow" }
func (a *Adapter) SaveOffCommand() string { return "" }
func (a *Adapter) SaveOnCommand() string  { return "" }
func (a *Adapter) StopCommand() string    { return "/stop" }

func (a *Adapter) BroadcastCommand(msg string) string { return "/announce " + msg }

func (a *Adapter) HoldCommand(int64) string    { return "" }
func (a *Adapter) ReleaseCommand(int64) string { return "" }
