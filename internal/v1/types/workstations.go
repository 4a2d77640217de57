package types

import "strings"

// workstationComputers maps named seats to the room's fixed computer slots.
// The table is shared with the browser client; ids must stay in sync with the
// office tile map.
var workstationComputers = map[string]string{
	"design-studio":    "0",
	"engineering-bay":  "1",
	"marketing-corner": "2",
	"operations-hub":   "3",
	"reception":        "4",
}

// WorkstationComputer resolves a workstation name to a computer slot id.
// Lookup is case-insensitive; unknown seats resolve to ("", false).
func WorkstationComputer(workstationID string) (string, bool) {
	id, ok := workstationComputers[strings.ToLower(strings.TrimSpace(workstationID))]
	return id, ok
}

// WorkstationForComputer is the reverse lookup, used when a payload carries a
// raw computerId instead of a seat name.
func WorkstationForComputer(computerID string) (string, bool) {
	for seat, id := range workstationComputers {
		if id == computerID {
			return seat, true
		}
	}
	return "", false
}
