package model

import "time"

const (
	StatusOnline  = "online"
	StatusUnknown = "unknown"
	StatusOffline = "offline"
)

type Device struct {
	Id            int64
	UniqueId      string
	Name          string
	Status        string
	Disabled      bool
	LastUpdate    time.Time
	PositionId    int64
	TotalDistance float64 // meters, accumulated over all accepted positions
	UserIds       []int64 // users allowed to observe this device
	Attributes    map[string]interface{}
}
