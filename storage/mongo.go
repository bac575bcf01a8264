package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

// MongoStorage persists positions, devices and events in MongoDB.
// Numeric ids are allocated from a counters collection so the rest of the
// core can keep treating ids as int64.
type MongoStorage struct {
	ctx       context.Context
	client    *mongo.Client
	positions *mongo.Collection
	devices   *mongo.Collection
	events    *mongo.Collection
	geofences *mongo.Collection
	counters  *mongo.Collection
}

func NewMongoStorage(ctx context.Context, cfg *config.StorageConfig) (*MongoStorage, error) {
	log := config.GetLogger(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoUri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb. %v", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb. %v", err)
	}

	log.Infof("Connected to MongoDB database %s", cfg.MongoDatabase)

	db := client.Database(cfg.MongoDatabase)
	return &MongoStorage{
		ctx:       ctx,
		client:    client,
		positions: db.Collection("positions"),
		devices:   db.Collection("devices"),
		events:    db.Collection("events"),
		geofences: db.Collection("geofences"),
		counters:  db.Collection("counters"),
	}, nil
}

func (s *MongoStorage) nextId(ctx context.Context, name string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(opCtx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id. %v", name, err)
	}
	return counter.Value, nil
}

func (s *MongoStorage) AddPosition(ctx context.Context, position *model.Position) (int64, error) {
	id, err := s.nextId(ctx, "positions")
	if err != nil {
		return 0, err
	}
	position.Id = id

	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := s.positions.InsertOne(opCtx, position); err != nil {
		return 0, fmt.Errorf("failed to insert position. %v", err)
	}
	return id, nil
}

func (s *MongoStorage) GetLastPosition(ctx context.Context, deviceId int64) (*model.Position, error) {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.M{"fixtime": -1})
	var position model.Position
	err := s.positions.FindOne(opCtx, bson.M{"deviceid": deviceId}, opts).Decode(&position)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last position. %v", err)
	}
	return &position, nil
}

func (s *MongoStorage) UpdateDeviceLastPosition(ctx context.Context, deviceId int64, positionId int64) error {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.devices.UpdateOne(opCtx,
		bson.M{"id": deviceId},
		bson.M{"$set": bson.M{"positionid": positionId}})
	if err != nil {
		return fmt.Errorf("failed to update device position pointer. %v", err)
	}
	return nil
}

func (s *MongoStorage) GetDeviceByUniqueId(ctx context.Context, uniqueId string) (*model.Device, error) {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var device model.Device
	err := s.devices.FindOne(opCtx, bson.M{"uniqueid": uniqueId}).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %s. %v", uniqueId, err)
	}
	return &device, nil
}

func (s *MongoStorage) GetDeviceById(ctx context.Context, deviceId int64) (*model.Device, error) {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var device model.Device
	err := s.devices.FindOne(opCtx, bson.M{"id": deviceId}).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %d. %v", deviceId, err)
	}
	return &device, nil
}

func (s *MongoStorage) AddDevice(ctx context.Context, device *model.Device) (int64, error) {
	id, err := s.nextId(ctx, "devices")
	if err != nil {
		return 0, err
	}
	device.Id = id

	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := s.devices.InsertOne(opCtx, device); err != nil {
		return 0, fmt.Errorf("failed to insert device. %v", err)
	}
	return id, nil
}

func (s *MongoStorage) UpdateDeviceStatus(ctx context.Context, device *model.Device) error {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.devices.UpdateOne(opCtx,
		bson.M{"id": device.Id},
		bson.M{"$set": bson.M{
			"status":        device.Status,
			"lastupdate":    device.LastUpdate,
			"totaldistance": device.TotalDistance,
		}})
	if err != nil {
		return fmt.Errorf("failed to update device status. %v", err)
	}
	return nil
}

func (s *MongoStorage) GetGeofences(ctx context.Context) ([]*model.Geofence, error) {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cursor, err := s.geofences.Find(opCtx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences. %v", err)
	}
	defer func() {
		_ = cursor.Close(opCtx)
	}()

	var geofences []*model.Geofence
	if err := cursor.All(opCtx, &geofences); err != nil {
		return nil, fmt.Errorf("failed to decode geofences. %v", err)
	}
	return geofences, nil
}

func (s *MongoStorage) AddEvent(ctx context.Context, event *model.Event) error {
	opCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := s.events.InsertOne(opCtx, event); err != nil {
		return fmt.Errorf("failed to insert event. %v", err)
	}
	return nil
}

func (s *MongoStorage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
