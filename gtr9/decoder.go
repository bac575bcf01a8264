package gtr9

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
)

const ProtocolName = "gtr9"

// Message types, decimal values as used by device firmware.
const (
	MsgSystemLog                = 97
	MsgDriverLicense            = 100
	MsgPingReply                = 102
	MsgPingReplyEnhIo           = 109
	MsgNewPositionGps32         = 110
	MsgTiniBatchOnlinePosition  = 114
	MsgTiniBatchOfflinePosition = 115
	MsgLocationBaseReport       = 116
	MsgGpsReport                = 117
)

const (
	gps32RecordSize = 32

	// GPS week rollover: 1024 weeks in milliseconds.
	rolloverPeriodMs      = 619_315_200_000
	rolloverYearThreshold = 2008

	// Raw speed byte to knots. The 1.852*0.539957 pair conflates km/h to
	// knots with a firmware unit assumption observed in the field; it is
	// kept as-is pending vendor confirmation.
	speedToKnots = 1.852 * 0.539957

	knotsToMps = 0.514444
)

// Message is one validated protocol message: header parsed, CRC checked,
// Payload holding the bytes between header and CRC.
type Message struct {
	Type         int
	Sequence     int
	DeclaredSize int
	BoxId        uint16
	Payload      []byte
	Crc          uint16
}

func (m *Message) IsPositionReport() bool {
	switch m.Type {
	case MsgNewPositionGps32, MsgTiniBatchOnlinePosition, MsgTiniBatchOfflinePosition,
		MsgLocationBaseReport, MsgGpsReport:
		return true
	}
	return false
}

// Decoder turns validated frames into normalized positions. A single
// Decoder is shared by all connections; it carries no per-connection state.
type Decoder struct {
	ctx          context.Context
	deviceOffset int64
}

func NewDecoder(ctx context.Context, deviceOffset int64) *Decoder {
	return &Decoder{
		ctx:          ctx,
		deviceOffset: deviceOffset,
	}
}

// DecodeMessage parses the frame header and validates the frame CRC. The
// CRC position is derived from the actual received length; the declared
// size field is unreliable in some firmware and is only used to log
// trailing-byte anomalies.
func (d *Decoder) DecodeMessage(frame []byte) (*Message, error) {
	log := config.GetLogger(d.ctx)

	if len(frame) < minFrame {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	msg := &Message{
		Type:         int(frame[0]),
		Sequence:     int(frame[1]),
		DeclaredSize: int(frame[2]),
		BoxId:        binary.BigEndian.Uint16(frame[3:5]),
	}

	crcPos := len(frame) - 2
	msg.Crc = binary.BigEndian.Uint16(frame[crcPos:])
	calculated := Crc16(frame[:crcPos])
	if msg.Crc != calculated {
		return nil, fmt.Errorf("crc mismatch: received %04X, calculated %04X", msg.Crc, calculated)
	}

	// The size field is diagnostic only; some firmware reports it stale.
	if msg.DeclaredSize != 0 && msg.DeclaredSize != len(frame) {
		log.Debugf("Size field disagrees with received length: declared %d, actual %d, boxId %d",
			msg.DeclaredSize, len(frame), msg.BoxId)
	}

	msg.Payload = frame[headerSize:crcPos]
	return msg, nil
}

// UniqueId resolves the protocol box id to the platform device identifier.
func (d *Decoder) UniqueId(boxId uint16) string {
	return fmt.Sprintf("%d", d.deviceOffset+int64(boxId))
}

// Ack builds the GTR-9 acknowledgment for a validated message.
func Ack(crc uint16) []byte {
	return []byte(fmt.Sprintf(">OK,%04X#\r\n", crc))
}

// DecodePositions extracts all positions carried by a message. System log
// messages produce no positions and are logged instead.
func (d *Decoder) DecodePositions(msg *Message, deviceId int64) ([]*model.Position, error) {
	switch {
	case msg.IsPositionReport():
		return d.decodeGps32Batch(msg, deviceId)
	case msg.Type == MsgPingReplyEnhIo || msg.Type == MsgPingReply:
		position, err := d.decodePingReply(msg, deviceId)
		if err != nil {
			return nil, err
		}
		return []*model.Position{position}, nil
	case msg.Type == MsgDriverLicense:
		position, err := d.decodeDriverLicense(msg, deviceId)
		if err != nil {
			return nil, err
		}
		return []*model.Position{position}, nil
	case msg.Type == MsgSystemLog:
		d.logSystemMessage(msg, deviceId)
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported message type %d", msg.Type)
}

func (d *Decoder) decodeGps32Batch(msg *Message, deviceId int64) ([]*model.Position, error) {
	log := config.GetLogger(d.ctx)

	var positions []*model.Position
	payload := msg.Payload
	for len(payload) >= gps32RecordSize {
		position, err := d.decodeGps32Record(payload[:gps32RecordSize], deviceId)
		payload = payload[gps32RecordSize:]
		if err != nil {
			log.Warnf("Discarding GPS32 record from device %d: %v", deviceId, err)
			continue
		}

		if msg.Type == MsgTiniBatchOfflinePosition {
			position.Set(model.KeyOfflineBatch, true)
			position.Set(model.KeyBatchType, "offline")
		} else {
			position.Set(model.KeyOfflineBatch, false)
			position.Set(model.KeyBatchType, "online")
		}

		positions = append(positions, position)
	}

	// Extended event bytes follow the last record on some firmware.
	if len(positions) > 0 && len(payload) >= 3 {
		last := positions[len(positions)-1]
		last.Set(model.KeyEvent1, int(payload[0]))
		last.Set(model.KeyEvent2, int(payload[1]))
		last.Set(model.KeyEvent3, int(payload[2]))
		last.Set(model.KeySensorData, fmt.Sprintf("%08b%08b%08b", payload[0], payload[1], payload[2]))
	}

	return positions, nil
}

// decodeGps32Record parses the fixed 32-byte GPS32 layout. The layout is a
// firmware contract and must not change.
func (d *Decoder) decodeGps32Record(record []byte, deviceId int64) (*model.Position, error) {
	if len(record) < gps32RecordSize {
		return nil, fmt.Errorf("record too short: %d bytes", len(record))
	}

	if sum := RecordChecksum(record[:31]); sum != record[31] {
		return nil, fmt.Errorf("record checksum mismatch: received %02X, calculated %02X", record[31], sum)
	}

	recordType := record[0]
	flagDegree := record[1]
	hdop := record[2]
	speedRaw := record[3]
	datetimeRaw := binary.BigEndian.Uint32(record[4:8])
	latRaw := binary.BigEndian.Uint32(record[8:12])
	lonRaw := binary.BigEndian.Uint32(record[12:16])
	digital := binary.BigEndian.Uint16(record[16:18])
	options := binary.BigEndian.Uint16(record[18:20])
	altRaw := binary.BigEndian.Uint16(record[20:22])
	ana01 := readUint24(record[22:25])
	ana23 := readUint24(record[25:28])
	ana45 := readUint24(record[28:31])

	fixTime, err := decodeDatetime(datetimeRaw)
	if err != nil {
		return nil, err
	}
	fixTime = AdjustRollover(fixTime, time.Now())

	position := model.NewPosition(ProtocolName, deviceId)
	position.FixTime = fixTime
	position.DeviceTime = fixTime
	position.Valid = flagDegree&0x20 != 0
	position.Latitude = decodeCoordinate(latRaw, flagDegree&0x40 != 0)
	position.Longitude = decodeCoordinate(lonRaw, flagDegree&0x80 != 0)
	position.Course = float64(flagDegree&0x1F) * 360 / 32
	position.Speed = float64(speedRaw) * speedToKnots
	position.Altitude = (float64(altRaw) - 10000) * 0.3048
	position.Accuracy = float64(hdop)

	position.Set(model.KeyHdop, int(hdop))
	position.Set(model.KeyRecordType, int(recordType))
	position.Set(model.KeyIo, fmt.Sprintf("%016b", digital))
	position.Set(model.KeyIgnition, digital&0x0100 != 0)
	position.Set(model.KeySatellites, int(options&0xFF))

	position.Set(model.PrefixAdc+"1", int(ana01>>12&0xFFF))
	position.Set(model.PrefixAdc+"2", int(ana01&0xFFF))
	position.Set(model.PrefixAdc+"3", int(ana23>>12&0xFFF))
	position.Set(model.PrefixAdc+"4", int(ana23&0xFFF))
	position.Set(model.PrefixAdc+"5", int(ana45>>12&0xFFF))
	position.Set(model.PrefixAdc+"6", int(ana45&0xFFF))
	position.Set(model.KeyPower, int(ana01&0xFFF))

	return position, nil
}

func (d *Decoder) decodePingReply(msg *Message, deviceId int64) (*model.Position, error) {
	if len(msg.Payload) < gps32RecordSize {
		return nil, fmt.Errorf("ping reply too short: %d bytes", len(msg.Payload))
	}

	position, err := d.decodeGps32Record(msg.Payload[:gps32RecordSize], deviceId)
	if err != nil {
		return nil, err
	}

	ping := msg.Payload[gps32RecordSize:]
	if len(ping) < 49 {
		// Minimal reply, GPS record only.
		return position, nil
	}

	position.Set("offlinePointer", int(binary.BigEndian.Uint16(ping[0:2])))
	position.Set("idSec", int(binary.BigEndian.Uint16(ping[2:4])))
	position.Set("sTime", int(binary.BigEndian.Uint16(ping[4:6])))
	position.Set("mcc", int(binary.BigEndian.Uint16(ping[6:8])))
	position.Set("mnc", int(binary.BigEndian.Uint16(ping[8:10])))
	position.Set("lac", int(binary.BigEndian.Uint16(ping[10:12])))
	position.Set("cellId", int64(binary.BigEndian.Uint32(ping[12:16])))
	position.Set("timingAdvance", int(ping[16]))

	if len(ping) >= 50 {
		station := strings.TrimSpace(string(ping[17:49]))
		if station != "" {
			position.Set("baseStation", station)
		}
		position.Set(model.KeyRssi, int(ping[49]))
	}

	return position, nil
}

// decodeDriverLicense parses the RFID reader message: a 19 byte position
// prefix followed by the license text.
func (d *Decoder) decodeDriverLicense(msg *Message, deviceId int64) (*model.Position, error) {
	log := config.GetLogger(d.ctx)

	if len(msg.Payload) < 19 {
		return nil, fmt.Errorf("driver license message too short: %d bytes", len(msg.Payload))
	}

	payload := msg.Payload
	flagDegree := payload[1]
	hdop := payload[2]
	speedRaw := payload[3]
	datetimeRaw := binary.BigEndian.Uint32(payload[4:8])
	latRaw := binary.BigEndian.Uint32(payload[8:12])
	lonRaw := binary.BigEndian.Uint32(payload[12:16])

	fixTime, err := decodeDatetime(datetimeRaw)
	if err != nil {
		return nil, err
	}
	fixTime = AdjustRollover(fixTime, time.Now())

	position := model.NewPosition(ProtocolName, deviceId)
	position.FixTime = fixTime
	position.DeviceTime = fixTime
	position.Valid = flagDegree&0x20 != 0
	position.Latitude = decodeCoordinate(latRaw, flagDegree&0x40 != 0)
	position.Longitude = decodeCoordinate(lonRaw, flagDegree&0x80 != 0)
	position.Course = float64(flagDegree&0x1F) * 360 / 32
	position.Speed = float64(speedRaw) * speedToKnots
	position.Accuracy = float64(hdop)
	position.Set(model.KeyHdop, int(hdop))

	license := strings.TrimSpace(string(payload[19:]))
	license = strings.NewReplacer("[", "", "]", "").Replace(license)
	if license != "" {
		position.Set(model.KeyDriverId, strings.TrimSpace(license))
		log.Infof("Driver license %s reported by device %d", license, deviceId)
	}

	return position, nil
}

func (d *Decoder) logSystemMessage(msg *Message, deviceId int64) {
	log := config.GetLogger(d.ctx)

	text := strings.TrimSpace(string(msg.Payload))
	if len(text) > 256 {
		text = text[:256]
	}
	log.Infof("System log from device %d: %s", deviceId, text)
}

// decodeCoordinate converts the raw integer-degrees-plus-minutes encoding
// to signed decimal degrees.
func decodeCoordinate(raw uint32, positive bool) float64 {
	degrees := float64(raw / 10_000_000)
	minutes := float64(raw%10_000_000) / 6_000_000
	value := degrees + minutes
	if !positive {
		value = -value
	}
	return value
}

// decodeDatetime unpacks the 32-bit bitfield datetime.
func decodeDatetime(raw uint32) (time.Time, error) {
	second := int(raw&0x1F) * 2
	minute := int(raw >> 5 & 0x3F)
	hour := int(raw >> 11 & 0x1F)
	day := int(raw >> 16 & 0x1F)
	month := int(raw >> 21 & 0xF)
	year := int(raw>>25&0x7F) + 2000

	if year > 2099 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("implausible datetime %08X", raw)
	}

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

// encodeDatetime packs a time back into the device bitfield. Used by tests
// and the protocol simulator; seconds are stored with 2 second resolution.
func encodeDatetime(t time.Time) uint32 {
	t = t.UTC()
	raw := uint32(t.Second()/2) & 0x1F
	raw |= (uint32(t.Minute()) & 0x3F) << 5
	raw |= (uint32(t.Hour()) & 0x1F) << 11
	raw |= (uint32(t.Day()) & 0x1F) << 16
	raw |= (uint32(t.Month()) & 0xF) << 21
	raw |= (uint32(t.Year()-2000) & 0x7F) << 25
	return raw
}

// AdjustRollover corrects GPS week rollover. When the decoded year predates
// the encoding epoch, one 1024 week cycle is added, but only if that lands
// closer to now than the original value. Applying it to an already corrected
// timestamp does not shift it again.
func AdjustRollover(t time.Time, now time.Time) time.Time {
	if t.Year() >= rolloverYearThreshold {
		return t
	}
	adjusted := t.Add(rolloverPeriodMs * time.Millisecond)
	if absDuration(now.Sub(adjusted)) < absDuration(now.Sub(t)) {
		return adjusted
	}
	return t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
