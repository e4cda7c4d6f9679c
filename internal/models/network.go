package models

import "strings"

type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkNone     NetworkType = "none"
	NetworkUnknown  NetworkType = "unknown"
)

// NetworkClass is the coarse bucket used to pick compression aggressiveness.
type NetworkClass string

const (
	ClassWifi        NetworkClass = "wifi"
	ClassCellular    NetworkClass = "cellular"
	ClassConstrained NetworkClass = "constrained"
)

// NetworkDetails carries the optional platform specifics of a connection.
type NetworkDetails struct {
	CellularGeneration string `json:"cellular_generation,omitempty"`
	IsExpensive        bool   `json:"is_expensive,omitempty"`
}

// NetworkSnapshot is the last observed reachability state. It is never persisted.
type NetworkSnapshot struct {
	IsConnected         bool           `json:"is_connected"`
	IsInternetReachable bool           `json:"is_internet_reachable"`
	Type                NetworkType    `json:"type"`
	Details             NetworkDetails `json:"details"`
}

// Online reports whether network work may run now.
func (s NetworkSnapshot) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

// Class buckets the snapshot. Wired connections count as wifi; 2g/3g cellular
// and unknown link types are constrained.
func (s NetworkSnapshot) Class() NetworkClass {
	switch s.Type {
	case NetworkWifi, NetworkEthernet:
		return ClassWifi
	case NetworkCellular:
		switch strings.ToLower(s.Details.CellularGeneration) {
		case "2g", "3g":
			return ClassConstrained
		}
		return ClassCellular
	default:
		return ClassConstrained
	}
}
