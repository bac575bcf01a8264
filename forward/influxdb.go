package forward

import (
	"context"
	"fmt"
	"strconv"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	_ "github.com/influxdata/influxdb1-client" // this is important because of the bug in go mod
	client "github.com/influxdata/influxdb1-client/v2"
)

// Connection forwards processed positions into an InfluxDB measurement.
type Connection struct {
	ctx                context.Context
	url                string
	username           string
	password           string
	insecureSkipVerify bool
	measurement        string
	database           string

	client client.Client
}

func NewConnection(ctx context.Context, cfg *config.ForwardConfig) *Connection {
	return &Connection{
		ctx:                ctx,
		url:                cfg.Url,
		username:           cfg.Username,
		password:           cfg.Password,
		insecureSkipVerify: false,
		measurement:        cfg.Measurement,
		database:           cfg.Database,
	}
}

func (c *Connection) Connect() error {
	var err error

	c.client, err = client.NewHTTPClient(client.HTTPConfig{
		Addr:               c.url,
		Username:           c.username,
		Password:           c.password,
		InsecureSkipVerify: c.insecureSkipVerify,
	})

	if err != nil {
		return fmt.Errorf("error creating InfluxDB Client. %v", err)
	}

	return nil
}

func (c *Connection) Close() error {
	err := c.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close influxdb connection. %v", err)
	}
	return nil
}

func (c *Connection) renderTags(position *model.Position) map[string]string {
	return map[string]string{
		"deviceId": strconv.FormatInt(position.DeviceId, 10),
		"protocol": position.Protocol,
	}
}

func (c *Connection) renderFields(position *model.Position) map[string]interface{} {
	fields := map[string]interface{}{
		"latitude":   position.Latitude,
		"longitude":  position.Longitude,
		"altitude":   position.Altitude,
		"speed":      position.Speed,
		"course":     position.Course,
		"accuracy":   position.Accuracy,
		"valid":      position.Valid,
		"serverTime": position.ServerTime.UTC().Unix(),
		"deviceTime": position.DeviceTime.UTC().Unix(),
	}

	for key, value := range position.Attributes {
		switch v := value.(type) {
		case bool, float64, int, int64, string:
			fields[key] = v
		case uint16:
			fields[key] = int(v)
		case uint8:
			fields[key] = int(v)
		default:
			// influx line protocol has no type for composite values
			fields[key] = fmt.Sprintf("%v", v)
		}
	}

	return fields
}

// Forward writes a single position as one point, timestamped with the fix
// time. Implements the pipeline sink contract.
func (c *Connection) Forward(ctx context.Context, position *model.Position) error {
	log := config.GetLogger(ctx)

	batchPointsConfig := client.BatchPointsConfig{
		Database: c.database,
	}

	bps, err := client.NewBatchPoints(batchPointsConfig)
	if err != nil {
		return fmt.Errorf("failed to create new batch point config. %v", err)
	}

	point, err := client.NewPoint(c.measurement, c.renderTags(position), c.renderFields(position), position.FixTime)
	if err != nil {
		return fmt.Errorf("failed to create new point. %v", err)
	}
	bps.AddPoint(point)

	if c.client == nil {
		return fmt.Errorf("influxDB client must not be nil. Please check your influxdb connection")
	}

	err = c.client.Write(bps)
	if err != nil {
		return fmt.Errorf("failed to write batch points into influxdb. %v", err)
	}

	log.Debugf("Position %d of device %d forwarded.", position.Id, position.DeviceId)
	return nil
}
