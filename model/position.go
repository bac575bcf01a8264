package model

import (
	"time"
)

// Well known attribute keys. The attribute map is open; decoders and
// pipeline handlers may add keys not listed here.
const (
	KeyHdop          = "hdop"
	KeySatellites    = "sat"
	KeyIgnition      = "ignition"
	KeyPower         = "power"
	KeyIo            = "io"
	KeyDistance      = "distance"
	KeyTotalDistance = "totalDistance"
	KeyMotion        = "motion"
	KeyApproximate   = "approximate"
	KeyRssi          = "rssi"
	KeyDriverId      = "driverUniqueId"
	KeyGeofenceIds   = "geofenceIds"
	KeyBatchType     = "batchType"
	KeyOfflineBatch  = "offlineBatch"
	KeyEvent1        = "event1"
	KeyEvent2        = "event2"
	KeyEvent3        = "event3"
	KeySensorData    = "sensorData"
	KeyRecordType    = "recordType"
	PrefixAdc        = "adc"
)

// Position is one decoded fix. It is mutated in place while it travels
// through the processing pipeline and must be treated as immutable once
// persisted.
type Position struct {
	Id         int64
	DeviceId   int64
	Protocol   string
	ServerTime time.Time
	DeviceTime time.Time
	FixTime    time.Time
	Valid      bool
	Latitude   float64
	Longitude  float64
	Altitude   float64 // meters
	Speed      float64 // knots
	Course     float64 // degrees, 0-360
	Accuracy   float64
	Outdated   bool
	Attributes map[string]interface{}
}

func NewPosition(protocol string, deviceId int64) *Position {
	return &Position{
		DeviceId:   deviceId,
		Protocol:   protocol,
		ServerTime: time.Now().UTC(),
		Attributes: make(map[string]interface{}),
	}
}

func (p *Position) Set(key string, value interface{}) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]interface{})
	}
	p.Attributes[key] = value
}

func (p *Position) Has(key string) bool {
	_, ok := p.Attributes[key]
	return ok
}

func (p *Position) GetBool(key string) bool {
	if value, ok := p.Attributes[key].(bool); ok {
		return value
	}
	return false
}

func (p *Position) GetFloat(key string) float64 {
	switch value := p.Attributes[key].(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case uint64:
		return float64(value)
	}
	return 0
}

func (p *Position) GetInt(key string) int64 {
	switch value := p.Attributes[key].(type) {
	case int:
		return int64(value)
	case int64:
		return value
	case uint64:
		return int64(value)
	case float64:
		return int64(value)
	}
	return 0
}

func (p *Position) GetString(key string) string {
	if value, ok := p.Attributes[key].(string); ok {
		return value
	}
	return ""
}
