package serialmux

import "strings"

// Gateway commands. Each is sent as a single newline terminated line.
const (
	CommandStartStream = "START_STREAM"
	CommandStopStream  = "STOP_STREAM"
)

// KnownCommands lists the commands the gateway firmware understands.
func KnownCommands() []string {
	return []string{CommandStartStream, CommandStopStream}
}

// ParseCommand normalises a command line received from a client and reports
// whether it is one the gateway understands.
func ParseCommand(line string) (string, bool) {
	cmd := strings.ToUpper(strings.TrimSpace(line))
	for _, known := range KnownCommands() {
		if cmd == known {
			return cmd, true
		}
	}
	return cmd, false
}
