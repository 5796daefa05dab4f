// Package checkpoints serializes a trained classifier head so a host can
// persist it and restore it into a later session. The payload is an opaque
// versioned protobuf blob; the frozen feature extractor is not part of it
// and must be the same at import time.
package checkpoints

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lenslab/teachkit/head"
)

// payloadVersion identifies the serialized layout for forward compatibility.
const payloadVersion = 1

// Export serializes the head's trained parameters together with the class
// names they map to.
func Export(h *head.Head, classNames []string) ([]byte, error) {
	if h == nil {
		return nil, errors.New("export requires a head")
	}
	if len(classNames) != h.Classes() {
		return nil, errors.Errorf("head has %d classes but %d names were given",
			h.Classes(), len(classNames))
	}

	names := make([]interface{}, len(classNames))
	for i, name := range classNames {
		names[i] = name
	}

	payload, err := structpb.NewStruct(map[string]interface{}{
		"version":     payloadVersion,
		"dim":         h.Dim(),
		"classes":     h.Classes(),
		"class_names": names,
		"weights":     toValueList(h.WeightData()),
		"bias":        toValueList(h.BiasData()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "building checkpoint payload")
	}
	return proto.Marshal(payload)
}

// Import rebuilds a head from an exported payload, returning it with the
// class names it was trained against.
func Import(data []byte) (*head.Head, []string, error) {
	payload := &structpb.Struct{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, nil, errors.Wrap(err, "parsing checkpoint payload")
	}
	fields := payload.GetFields()

	version := int(fields["version"].GetNumberValue())
	if version != payloadVersion {
		return nil, nil, errors.Errorf("unsupported checkpoint version %d", version)
	}
	dim := int(fields["dim"].GetNumberValue())
	classes := int(fields["classes"].GetNumberValue())

	h, err := head.New(dim, classes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rebuilding head")
	}

	weights, err := fromValueList(fields["weights"], dim*classes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading weights")
	}
	bias, err := fromValueList(fields["bias"], classes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading bias")
	}
	if err := h.Restore(weights, bias); err != nil {
		return nil, nil, err
	}

	nameValues := fields["class_names"].GetListValue().GetValues()
	if len(nameValues) != classes {
		return nil, nil, errors.Errorf("expected %d class names, got %d", classes, len(nameValues))
	}
	names := make([]string, len(nameValues))
	for i, v := range nameValues {
		names[i] = v.GetStringValue()
	}

	return h, names, nil
}

func toValueList(values []float64) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func fromValueList(v *structpb.Value, expected int) ([]float64, error) {
	list := v.GetListValue().GetValues()
	if len(list) != expected {
		return nil, errors.Errorf("expected %d values, got %d", expected, len(list))
	}
	out := make([]float64, len(list))
	for i, item := range list {
		out[i] = item.GetNumberValue()
	}
	return out, nil
}
