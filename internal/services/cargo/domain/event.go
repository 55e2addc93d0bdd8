package domain

import "strings"

const (
	EventTypeCargo  = "cargo"
	EventTypeLaunch = "launch"
)

// CargoEvent announces a newly persisted cargo to connected viewers.
type CargoEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CargoType Type   `json:"cargo_type"`
	Directory string `json:"directory"`
}

// NewCargoEvent builds the announcement for a stored cargo. Directory points
// at the texture route under origin.
func NewCargoEvent(id string, cargoType Type, origin string) CargoEvent {
	return CargoEvent{
		Type:      EventTypeCargo,
		ID:        id,
		CargoType: cargoType,
		Directory: TextureURL(origin, id),
	}
}

// LaunchEvent reports how many delivered cargoes left the station.
type LaunchEvent struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

// NewLaunchEvent builds a launch announcement.
func NewLaunchEvent(amount int) LaunchEvent {
	return LaunchEvent{Type: EventTypeLaunch, Amount: amount}
}

// TextureURL returns the dereferenceable texture location for a cargo id.
func TextureURL(origin string, id string) string {
	return strings.TrimRight(origin, "/") + "/api/texture/" + id
}
