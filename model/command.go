package model

const (
	CommandCustom        = "custom"
	CommandPing          = "ping"
	CommandEngineStop    = "engineStop"
	CommandEngineResume  = "engineResume"
	CommandSetInterval   = "setInterval"
	CommandPositionQuery = "positionSingle"
)

type Command struct {
	DeviceId   int64
	Type       string
	Attributes map[string]interface{}
}

func (c *Command) GetString(key string) string {
	if value, ok := c.Attributes[key].(string); ok {
		return value
	}
	return ""
}
