package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/firecrew/telemetry/internal/deviceauth"
	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// Receiver is the server-side subscriber for the bus: it answers the
// authenticate handshake and decodes foot/accelerometer events into
// schema.Readings for the Windowing Engine.
type Receiver struct {
	conn     *nats.Conn
	verifier *deviceauth.Verifier
	log      *ccflog.Logger

	footSchema  *jsonschema.Schema
	accelSchema *jsonschema.Schema
}

// NewReceiver connects to busAddress and prepares (but does not yet
// start) subscriptions.
func NewReceiver(busAddress string, verifier *deviceauth.Verifier, log *ccflog.Logger) (*Receiver, error) {
	if log == nil {
		log = ccflog.New()
	}
	nc, err := nats.Connect(busAddress, nats.Name("ff-server"), nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, ftlerr.New("bus.NewReceiver", ftlerr.Transient, err)
	}

	footSchema, err := jsonschema.CompileString("foot_pressure_data.json", footEventSchema)
	if err != nil {
		return nil, ftlerr.New("bus.NewReceiver", ftlerr.Fatal, err)
	}
	accelSchema, err := jsonschema.CompileString("accelerometer_data.json", accelEventSchema)
	if err != nil {
		return nil, ftlerr.New("bus.NewReceiver", ftlerr.Fatal, err)
	}

	return &Receiver{conn: nc, verifier: verifier, log: log, footSchema: footSchema, accelSchema: accelSchema}, nil
}

// Subscribe wires the authenticate handshake and the two reading
// subjects; onReading is invoked once per decoded Reading, in whatever
// order NATS delivers them (the Windowing Engine re-sorts by timestamp —
// no ordering promise is made here).
func (r *Receiver) Subscribe(onReading func(schema.Reading)) error {
	if _, err := r.conn.Subscribe(SubjectAuthenticate, r.handleAuthenticate); err != nil {
		return ftlerr.New("bus.Subscribe", ftlerr.Transient, err)
	}
	if _, err := r.conn.Subscribe(SubjectFootPressure, r.handleFoot(onReading)); err != nil {
		return ftlerr.New("bus.Subscribe", ftlerr.Transient, err)
	}
	if _, err := r.conn.Subscribe(SubjectAccelerometer, r.handleAccel(onReading)); err != nil {
		return ftlerr.New("bus.Subscribe", ftlerr.Transient, err)
	}
	return nil
}

func (r *Receiver) handleAuthenticate(msg *nats.Msg) {
	var req schema.AuthenticateRequest
	result := schema.AuthResult{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		result.Error = "malformed authenticate request"
	} else if token, err := r.verifier.Authenticate(req.DeviceKey); err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
		result.Token = token
	}
	reply, _ := json.Marshal(result)
	if msg.Reply != "" {
		_ = msg.Respond(reply)
	}
}

// validate decodes raw against schema before attempting the domain
// decode, the ingest-boundary validation step (santhosh-tekuri/jsonschema).
func validate(schema *jsonschema.Schema, raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func (r *Receiver) handleFoot(onReading func(schema.Reading)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := validate(r.footSchema, msg.Data); err != nil {
			r.log.Warnf("bus: foot_pressure_data failed schema validation: %v", err)
			return
		}
		var ev schema.FootWireEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.log.Warnf("bus: decode foot_pressure_data: %v", err)
			return
		}
		reading, err := schema.FromFootWireEvent(ev)
		if err != nil {
			r.log.Warnf("bus: foot_pressure_data shape mismatch: %v", err)
			return
		}
		onReading(schema.Reading{Foot: reading})
	}
}

func (r *Receiver) handleAccel(onReading func(schema.Reading)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := validate(r.accelSchema, msg.Data); err != nil {
			r.log.Warnf("bus: accelerometer_data failed schema validation: %v", err)
			return
		}
		var ev schema.AccelWireEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.log.Warnf("bus: decode accelerometer_data: %v", err)
			return
		}
		reading, err := schema.FromAccelWireEvent(ev)
		if err != nil {
			r.log.Warnf("bus: accelerometer_data shape mismatch: %v", err)
			return
		}
		onReading(schema.Reading{Accel: reading})
	}
}

func (r *Receiver) Close() {
	r.conn.Close()
}

// JSON Schema documents for the two wire events, pinned to the wire
// protocol's field shapes.
const footEventSchema = `{
  "type": "object",
  "required": ["timestamp", "device", "data"],
  "properties": {
    "timestamp": {"type": "string"},
    "device": {"enum": ["LEFT_FOOT", "RIGHT_FOOT"]},
    "data": {
      "type": "object",
      "required": ["foot", "max", "avg", "active_count", "values"],
      "properties": {
        "foot": {"enum": ["LEFT", "RIGHT"]},
        "max": {"type": "number"},
        "avg": {"type": "number"},
        "active_count": {"type": "integer", "minimum": 0, "maximum": 18},
        "values": {"type": "array", "minItems": 18, "maxItems": 18, "items": {"type": "number"}}
      }
    }
  }
}`

const accelEventSchema = `{
  "type": "object",
  "required": ["timestamp", "device", "data"],
  "properties": {
    "timestamp": {"type": "string"},
    "device": {"enum": ["ACCELEROMETER"]},
    "data": {
      "type": "object",
      "required": ["acc", "gyro", "angle"],
      "properties": {
        "acc": {"$ref": "#/$defs/vec3"},
        "gyro": {"$ref": "#/$defs/vec3"},
        "angle": {
          "type": "object",
          "required": ["roll", "pitch", "yaw"],
          "properties": {
            "roll": {"type": "number"}, "pitch": {"type": "number"}, "yaw": {"type": "number"}
          }
        }
      }
    }
  },
  "$defs": {
    "vec3": {
      "type": "object",
      "required": ["x", "y", "z"],
      "properties": {"x": {"type": "number"}, "y": {"type": "number"}, "z": {"type": "number"}}
    }
  }
}`
