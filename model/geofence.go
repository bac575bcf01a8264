package model

// Geofence is a circular area. Polygon support lives in the full
// administrative application; the core only needs membership tests.
type Geofence struct {
	Id        int64
	Name      string
	Latitude  float64
	Longitude float64
	Radius    float64 // meters
}
