package gateway

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Event kinds.
const (
	EventKindTelemetry  = "telemetry"
	EventKindDisconnect = "disconnect"
)

// Event is the unit published on the event queue. Exactly one of Telemetry
// and Disconnect is set, matching Kind.
type Event struct {
	Kind       string
	Telemetry  *TelemetryEvent
	Disconnect *DisconnectEvent
}

// The wire format is the protobuf message chipline.events.v1.Event:
//
//	syntax = "proto3";
//	package chipline.events.v1;
//	import "google/protobuf/timestamp.proto";
//
//	message TelemetryEvent {
//	  uint32 device_id = 1;
//	  string message = 2;
//	  google.protobuf.Timestamp timestamp = 3;
//	}
//	message DisconnectEvent {
//	  uint32 device_id = 1;
//	  string reason = 2;
//	}
//	message Event {
//	  oneof payload {
//	    TelemetryEvent telemetry = 1;
//	    DisconnectEvent disconnect = 2;
//	  }
//	}
const eventsPackage = "chipline.events.v1"

var (
	eventDesc      protoreflect.MessageDescriptor
	telemetryDesc  protoreflect.MessageDescriptor
	disconnectDesc protoreflect.MessageDescriptor
	payloadOneof   protoreflect.OneofDescriptor
)

func init() {
	fd, err := protodesc.NewFile(eventsFile(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("invalid event schema: %v", err))
	}
	msgs := fd.Messages()
	telemetryDesc = msgs.ByName("TelemetryEvent")
	disconnectDesc = msgs.ByName("DisconnectEvent")
	eventDesc = msgs.ByName("Event")
	payloadOneof = eventDesc.Oneofs().ByName("payload")
}

func eventsFile() *descriptorpb.FileDescriptorProto {
	field := func(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   typ.Enum(),
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}
	inPayload := func(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
		f.OneofIndex = proto.Int32(0)
		return f
	}

	const (
		tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
		tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("chipline/events/v1/events.proto"),
		Package:    proto.String(eventsPackage),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("TelemetryEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("device_id", 1, tUint32, ""),
					field("message", 2, tString, ""),
					field("timestamp", 3, tMessage, ".google.protobuf.Timestamp"),
				},
			},
			{
				Name: proto.String("DisconnectEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("device_id", 1, tUint32, ""),
					field("reason", 2, tString, ""),
				},
			},
			{
				Name: proto.String("Event"),
				Field: []*descriptorpb.FieldDescriptorProto{
					inPayload(field("telemetry", 1, tMessage, "."+eventsPackage+".TelemetryEvent")),
					inPayload(field("disconnect", 2, tMessage, "."+eventsPackage+".DisconnectEvent")),
				},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{
					{Name: proto.String("payload")},
				},
			},
		},
	}
}

// MarshalEvent encodes ev in the protobuf wire format.
func MarshalEvent(ev Event) ([]byte, error) {
	msg := dynamicpb.NewMessage(eventDesc)
	fields := eventDesc.Fields()

	switch {
	case ev.Kind == EventKindTelemetry && ev.Telemetry != nil:
		t := dynamicpb.NewMessage(telemetryDesc)
		tf := telemetryDesc.Fields()
		t.Set(tf.ByName("device_id"), protoreflect.ValueOfUint32(ev.Telemetry.DeviceID))
		t.Set(tf.ByName("message"), protoreflect.ValueOfString(ev.Telemetry.Message))
		if !ev.Telemetry.Timestamp.IsZero() {
			ts := timestamppb.New(ev.Telemetry.Timestamp)
			t.Set(tf.ByName("timestamp"), protoreflect.ValueOfMessage(ts.ProtoReflect()))
		}
		msg.Set(fields.ByName("telemetry"), protoreflect.ValueOfMessage(t))
	case ev.Kind == EventKindDisconnect && ev.Disconnect != nil:
		d := dynamicpb.NewMessage(disconnectDesc)
		df := disconnectDesc.Fields()
		d.Set(df.ByName("device_id"), protoreflect.ValueOfUint32(ev.Disconnect.DeviceID))
		d.Set(df.ByName("reason"), protoreflect.ValueOfString(ev.Disconnect.Reason))
		msg.Set(fields.ByName("disconnect"), protoreflect.ValueOfMessage(d))
	default:
		return nil, fmt.Errorf("event of kind %q has no matching payload", ev.Kind)
	}

	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}

// UnmarshalEvent decodes an event published by a QueueSink.
func UnmarshalEvent(body []byte) (Event, error) {
	msg := dynamicpb.NewMessage(eventDesc)
	if err := proto.Unmarshal(body, msg); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	set := msg.WhichOneof(payloadOneof)
	if set == nil {
		return Event{}, errors.New("event has no payload")
	}
	payload := msg.Get(set).Message()

	switch set.Name() {
	case "telemetry":
		tf := telemetryDesc.Fields()
		ev := &TelemetryEvent{
			DeviceID: uint32(payload.Get(tf.ByName("device_id")).Uint()),
			Message:  payload.Get(tf.ByName("message")).String(),
		}
		if payload.Has(tf.ByName("timestamp")) {
			ev.Timestamp = timestampFrom(payload.Get(tf.ByName("timestamp")).Message())
		}
		return Event{Kind: EventKindTelemetry, Telemetry: ev}, nil
	default:
		df := disconnectDesc.Fields()
		return Event{Kind: EventKindDisconnect, Disconnect: &DisconnectEvent{
			DeviceID: uint32(payload.Get(df.ByName("device_id")).Uint()),
			Reason:   payload.Get(df.ByName("reason")).String(),
		}}, nil
	}
}

// timestampFrom reads a decoded google.protobuf.Timestamp.
func timestampFrom(m protoreflect.Message) time.Time {
	fields := m.Descriptor().Fields()
	ts := &timestamppb.Timestamp{
		Seconds: m.Get(fields.ByName("seconds")).Int(),
		Nanos:   int32(m.Get(fields.ByName("nanos")).Int()),
	}
	return ts.AsTime()
}
