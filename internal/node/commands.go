package node

import "strings"

// Command is a chat command recognized by the engine.
type Command int

const (
	CommandNone Command = iota // plain text, not a command
	CommandStart
	CommandHelp
	CommandRegistration
	CommandCancel
	CommandUnknown // slash-prefixed but not recognized
)

var commandNames = map[string]Command{
	"start":        CommandStart,
	"help":         CommandHelp,
	"registration": CommandRegistration,
	"cancel":       CommandCancel,
}

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandStart:
		return "/start"
	case CommandHelp:
		return "/help"
	case CommandRegistration:
		return "/registration"
	case CommandCancel:
		return "/cancel"
	default:
		return "unknown"
	}
}

// ParseCommand classifies text once. A trailing "@botname" suffix, as sent
// in group chats, is ignored.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return CommandNone
	}

	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	if cmd, ok := commandNames[name]; ok {
		return cmd
	}
	return CommandUnknown
}
