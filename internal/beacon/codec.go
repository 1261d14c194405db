package beacon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Wire layout: one msgpack array
//
//	[version, flags, sequence_number, node_id?, [[tag, payload]...], period?]
//
// node_id and period are present only when the matching flag bit is set.
// Decoders skip array elements past the last field they understand.

// fixed fields: version, flags, sequence_number, services
const baseFieldCount = 4

// largest period, in seconds, that fits a time.Duration
const maxPeriodSeconds = math.MaxInt64 / int64(time.Second)

// periods from here on are never written as float64 seconds
const maxFloatPeriod time.Duration = 1 << 53

// EncodeMsgpack writes the beacon as a msgpack array.
func (b *Beacon) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodeBeacon(enc, b)
}

// DecodeMsgpack reads a beacon written by EncodeMsgpack.
func (b *Beacon) DecodeMsgpack(dec *msgpack.Decoder) error {
	return decodeBeacon(dec, b)
}

func encodeBeacon(enc *msgpack.Encoder, b *Beacon) error {
	if err := validate(b); err != nil {
		return err
	}

	flags := flagsOf(b)
	n := baseFieldCount
	if flags.HasNodeID() {
		n++
	}
	if flags.HasPeriod() {
		n++
	}

	if err := enc.EncodeArrayLen(n); err != nil {
		return &EncodeError{Field: "header", Err: err}
	}
	if err := enc.EncodeUint(uint64(b.Version)); err != nil {
		return &EncodeError{Field: "version", Err: err}
	}
	if err := enc.EncodeUint(uint64(flags)); err != nil {
		return &EncodeError{Field: "flags", Err: err}
	}
	if err := enc.EncodeUint(b.SequenceNumber); err != nil {
		return &EncodeError{Field: "sequence_number", Err: err}
	}
	if flags.HasNodeID() {
		if err := enc.EncodeString(*b.NodeID); err != nil {
			return &EncodeError{Field: "node_id", Err: err}
		}
	}

	if err := enc.EncodeArrayLen(len(b.Services)); err != nil {
		return &EncodeError{Field: "services", Err: err}
	}
	for i, s := range b.Services {
		field := fmt.Sprintf("services[%d]", i)
		if err := enc.EncodeArrayLen(2); err != nil {
			return &EncodeError{Field: field, Err: err}
		}
		if err := enc.EncodeUint(uint64(s.Tag())); err != nil {
			return &EncodeError{Field: field, Err: err}
		}
		if err := s.encodePayload(enc); err != nil {
			return &EncodeError{Field: field, Err: err}
		}
	}

	if flags.HasPeriod() {
		if err := encodePeriod(enc, *b.Period); err != nil {
			return &EncodeError{Field: "period", Err: err}
		}
	}
	return nil
}

// validate rejects values that would not decode back to the same beacon.
func validate(b *Beacon) error {
	if b.Period != nil && *b.Period < 0 {
		return &EncodeError{Field: "period", Err: fmt.Errorf("negative duration %v", *b.Period)}
	}
	for i, s := range b.Services {
		switch s := s.(type) {
		case nil:
			return &EncodeError{Field: fmt.Sprintf("services[%d]", i), Err: errors.New("nil service")}
		case Unknown:
			if s.Type.Known() {
				return &EncodeError{
					Field: fmt.Sprintf("services[%d]", i),
					Err:   fmt.Errorf("unknown service uses reserved tag %d", s.Type),
				}
			}
			if !isSingleValue(s.Value) {
				return &EncodeError{
					Field: fmt.Sprintf("services[%d]", i),
					Err:   errors.New("raw payload is not a single msgpack value"),
				}
			}
		}
	}
	return nil
}

func isSingleValue(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	r := bytes.NewReader(raw)
	if err := msgpack.NewDecoder(r).Skip(); err != nil {
		return false
	}
	return r.Len() == 0
}

// encodePeriod writes whole seconds as an integer and other periods as
// float64 seconds. A period that float64 cannot hold to the nanosecond is
// written as [seconds, nanoseconds].
func encodePeriod(enc *msgpack.Encoder, d time.Duration) error {
	if d%time.Second == 0 {
		return enc.EncodeUint(uint64(d / time.Second))
	}
	if secs := d.Seconds(); d < maxFloatPeriod && time.Duration(math.Round(secs*float64(time.Second))) == d {
		return enc.EncodeFloat64(secs)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(d / time.Second)); err != nil {
		return err
	}
	return enc.EncodeUint(uint64(d % time.Second))
}

func decodeBeacon(dec *msgpack.Decoder, b *Beacon) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return decodeErr("header", err)
	}
	if n < 0 {
		return &DecodeError{Field: "header", Err: ErrWrongType}
	}
	if n < baseFieldCount {
		return &DecodeError{Field: "header", Err: fmt.Errorf("%w: %d elements", ErrFieldCount, n)}
	}

	var out Beacon

	version, err := decodeUint(dec, "version", math.MaxUint8)
	if err != nil {
		return err
	}
	out.Version = uint8(version)

	rawFlags, err := decodeUint(dec, "flags", math.MaxUint8)
	if err != nil {
		return err
	}
	flags := Flags(rawFlags)

	if out.SequenceNumber, err = decodeUint(dec, "sequence_number", math.MaxUint64); err != nil {
		return err
	}

	want := baseFieldCount
	if flags.HasNodeID() {
		want++
	}
	if flags.HasPeriod() {
		want++
	}
	if n < want {
		return &DecodeError{
			Field: "header",
			Err:   fmt.Errorf("%w: %d elements, flags %#02x need %d", ErrFieldCount, n, rawFlags, want),
		}
	}

	if flags.HasNodeID() {
		id, err := decodeString(dec, "node_id")
		if err != nil {
			return err
		}
		out.NodeID = &id
	}

	if out.Services, err = decodeServices(dec); err != nil {
		return err
	}

	if flags.HasPeriod() {
		d, err := decodePeriod(dec)
		if err != nil {
			return err
		}
		out.Period = &d
	}

	for i := want; i < n; i++ {
		if err := dec.Skip(); err != nil {
			return decodeErr(fmt.Sprintf("extension[%d]", i-want), err)
		}
	}

	*b = out
	return nil
}

func decodeServices(dec *msgpack.Decoder) ([]Service, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, decodeErr("services", err)
	}
	if n < 0 {
		return nil, &DecodeError{Field: "services", Err: ErrWrongType}
	}

	var services []Service
	for i := 0; i < n; i++ {
		s, err := decodeService(dec, fmt.Sprintf("services[%d]", i))
		if err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, nil
}

func decodeService(dec *msgpack.Decoder, field string) (Service, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, decodeErr(field, err)
	}
	if n < 0 {
		return nil, &DecodeError{Field: field, Err: ErrWrongType}
	}
	if n != 2 {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("%w: %d elements", ErrFieldCount, n)}
	}

	tag, err := decodeUint(dec, field+".tag", math.MaxUint8)
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return nil, decodeErr(field+".payload", err)
	}

	st := ServiceTag(tag)
	if !st.Known() {
		return Unknown{Type: st, Value: raw}, nil
	}

	payload := msgpack.NewDecoder(bytes.NewReader(raw))
	field += ".payload"
	switch st {
	case TagTCPCLv4, TagTCPCLv3, TagMTCPCL:
		port, err := decodeUint(payload, field, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		switch st {
		case TagTCPCLv4:
			return TCPCLv4{Port: uint16(port)}, nil
		case TagTCPCLv3:
			return TCPCLv3{Port: uint16(port)}, nil
		default:
			return MTCPCL{Port: uint16(port)}, nil
		}
	case TagGeoLocation:
		n, err := payload.DecodeArrayLen()
		if err != nil {
			return nil, decodeErr(field, err)
		}
		if n != 2 {
			return nil, &DecodeError{Field: field, Err: fmt.Errorf("%w: %d elements", ErrFieldCount, n)}
		}
		lat, err := decodeFloat32(payload, field+".latitude")
		if err != nil {
			return nil, err
		}
		lon, err := decodeFloat32(payload, field+".longitude")
		if err != nil {
			return nil, err
		}
		return GeoLocation{Latitude: lat, Longitude: lon}, nil
	default:
		addr, err := decodeString(payload, field)
		if err != nil {
			return nil, err
		}
		return Address{Address: addr}, nil
	}
}

func decodePeriod(dec *msgpack.Decoder) (time.Duration, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, decodeErr("period", err)
	}
	if msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32 {
		return decodeExactPeriod(dec)
	}

	v, err := decodeScalar(dec, "period")
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case float64:
		if math.IsNaN(v) || v < 0 || v > float64(maxPeriodSeconds) {
			return 0, &DecodeError{Field: "period", Err: fmt.Errorf("%w: %g", ErrOutOfRange, v)}
		}
		return time.Duration(math.Round(v * float64(time.Second))), nil
	default:
		secs, err := toUint(v, uint64(maxPeriodSeconds))
		if err != nil {
			return 0, &DecodeError{Field: "period", Err: err}
		}
		return time.Duration(secs) * time.Second, nil
	}
}

func decodeExactPeriod(dec *msgpack.Decoder) (time.Duration, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, decodeErr("period", err)
	}
	if n != 2 {
		return 0, &DecodeError{Field: "period", Err: fmt.Errorf("%w: %d elements", ErrFieldCount, n)}
	}
	secs, err := decodeUint(dec, "period.seconds", uint64(maxPeriodSeconds))
	if err != nil {
		return 0, err
	}
	nanos, err := decodeUint(dec, "period.nanoseconds", uint64(time.Second-1))
	if err != nil {
		return 0, err
	}
	if time.Duration(secs) > (math.MaxInt64-time.Duration(nanos))/time.Second {
		return 0, &DecodeError{Field: "period", Err: fmt.Errorf("%w: %ds %dns", ErrOutOfRange, secs, nanos)}
	}
	return time.Duration(secs)*time.Second + time.Duration(nanos), nil
}

func decodeUint(dec *msgpack.Decoder, field string, max uint64) (uint64, error) {
	v, err := decodeScalar(dec, field)
	if err != nil {
		return 0, err
	}
	n, err := toUint(v, max)
	if err != nil {
		return 0, &DecodeError{Field: field, Err: err}
	}
	return n, nil
}

func toUint(v interface{}, max uint64) (uint64, error) {
	var n uint64
	switch v := v.(type) {
	case uint64:
		n = v
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%w: %d", ErrOutOfRange, v)
		}
		n = uint64(v)
	default:
		return 0, fmt.Errorf("%w: %T, want unsigned integer", ErrWrongType, v)
	}
	if n > max {
		return 0, fmt.Errorf("%w: %d > %d", ErrOutOfRange, n, max)
	}
	return n, nil
}

func decodeFloat32(dec *msgpack.Decoder, field string) (float32, error) {
	v, err := decodeScalar(dec, field)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, &DecodeError{Field: field, Err: fmt.Errorf("%w: %T, want float", ErrWrongType, v)}
	}
	return float32(f), nil
}

func decodeString(dec *msgpack.Decoder, field string) (string, error) {
	v, err := decodeScalar(dec, field)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &DecodeError{Field: field, Err: fmt.Errorf("%w: %T, want string", ErrWrongType, v)}
	}
	return s, nil
}

// decodeScalar reads one integer, float or string. Containers, binary and
// extension values are rejected before the decoder materializes them.
func decodeScalar(dec *msgpack.Decoder, field string) (interface{}, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, decodeErr(field, err)
	}
	if !isScalarCode(c) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("%w: code %#02x", ErrWrongType, c)}
	}
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, decodeErr(field, err)
	}
	return v, nil
}

func isScalarCode(c byte) bool {
	if msgpcode.IsFixedNum(c) || msgpcode.IsString(c) {
		return true
	}
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64,
		msgpcode.Float, msgpcode.Double:
		return true
	}
	return false
}

func decodeErr(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	return &DecodeError{Field: field, Err: err}
}
