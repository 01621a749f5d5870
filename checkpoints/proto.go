package checkpoints

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers of the binary checkpoint layout. The layout is plain protobuf
// wire format so any protobuf tooling can inspect it:
//
//	message Checkpoint {
//	  string model_tag = 1;
//	  TrainingState training_state = 2;
//	  repeated WeightTensor weights = 3;
//	  OptimizerState optimizer_state = 4;
//	  SchedulerState scheduler_state = 5;
//	  Metadata metadata = 6;
//	}
const (
	ckptModelTag      protowire.Number = 1
	ckptTrainingState protowire.Number = 2
	ckptWeights       protowire.Number = 3
	ckptOptimizer     protowire.Number = 4
	ckptScheduler     protowire.Number = 5
	ckptMetadata      protowire.Number = 6
)

// message TrainingState
const (
	tsEpoch        protowire.Number = 1 // sint64
	tsBestMetric   protowire.Number = 2 // double
	tsBestEpoch    protowire.Number = 3 // sint64
	tsBestLoss     protowire.Number = 4 // double
	tsLearningRate protowire.Number = 5 // double
	tsTau          protowire.Number = 6 // double
)

// message WeightTensor / OptimizerTensor
const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2 // packed sint64
	tensorData  protowire.Number = 3 // packed float
	tensorLayer protowire.Number = 4 // state_type for optimizer tensors
	tensorType  protowire.Number = 5
)

// message OptimizerState
const (
	optType   protowire.Number = 1
	optParams protowire.Number = 2 // repeated Param{string key = 1; double value = 2}
	optState  protowire.Number = 3
)

// message SchedulerState
const (
	schedType       protowire.Number = 1
	schedLastEpoch  protowire.Number = 2 // sint64
	schedBaseLR     protowire.Number = 3 // double
	schedParams     protowire.Number = 4
	schedMilestones protowire.Number = 5 // packed sint64
)

// message Metadata
const (
	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3 // google.protobuf.Timestamp
	metaDescription protowire.Number = 4
	metaTags        protowire.Number = 5
)

func encodeProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, ckptModelTag, c.ModelTag)
	b = appendMessage(b, ckptTrainingState, encodeTrainingState(c.TrainingState))
	for _, w := range c.Weights {
		b = appendMessage(b, ckptWeights, encodeTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if c.OptimizerState != nil {
		b = appendMessage(b, ckptOptimizer, encodeOptimizerState(c.OptimizerState))
	}
	if c.SchedulerState != nil {
		b = appendMessage(b, ckptScheduler, encodeSchedulerState(c.SchedulerState))
	}
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, ckptMetadata, meta)
	return b, nil
}

func encodeTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendSint(b, tsEpoch, int64(s.Epoch))
	b = appendDouble(b, tsBestMetric, s.BestMetric)
	b = appendSint(b, tsBestEpoch, int64(s.BestEpoch))
	b = appendDouble(b, tsBestLoss, s.BestLoss)
	b = appendDouble(b, tsLearningRate, s.LearningRate)
	b = appendDouble(b, tsTau, s.Tau)
	return b
}

func encodeTensor(name string, shape []int, data []float32, layer, kind string) []byte {
	var b []byte
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	b = appendMessage(b, tensorShape, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = appendMessage(b, tensorData, packed)

	b = appendString(b, tensorLayer, layer)
	b = appendString(b, tensorType, kind)
	return b
}

func encodeParams(b []byte, num protowire.Number, params map[string]float64) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, params[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func encodeOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, optType, s.Type)
	b = encodeParams(b, optParams, s.Parameters)
	for _, t := range s.StateData {
		b = appendMessage(b, optState, encodeTensor(t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b
}

func encodeSchedulerState(s *SchedulerState) []byte {
	var b []byte
	b = appendString(b, schedType, s.Type)
	b = appendSint(b, schedLastEpoch, int64(s.LastEpoch))
	b = appendDouble(b, schedBaseLR, s.BaseLR)
	b = encodeParams(b, schedParams, s.Parameters)
	if len(s.Milestones) > 0 {
		var packed []byte
		for _, m := range s.Milestones {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(m)))
		}
		b = appendMessage(b, schedMilestones, packed)
	}
	return b
}

func encodeMetadata(m CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to encode creation time: %w", err)
	}
	b = appendMessage(b, metaCreatedAt, ts)
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = appendString(b, metaTags, tag)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// field is one decoded top-level field of a message.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	raw []byte
}

// parseFields splits a message into its fields.
func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) sint() int       { return int(protowire.DecodeZigZag(f.u)) }
func (f field) double() float64 { return math.Float64frombits(f.u) }

func decodeProto(data []byte) (*Checkpoint, error) {
	c, err := decodeCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	return c, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{}
	for _, f := range fields {
		switch f.num {
		case ckptModelTag:
			c.ModelTag = string(f.raw)
		case ckptTrainingState:
			if c.TrainingState, err = decodeTrainingState(f.raw); err != nil {
				return nil, err
			}
		case ckptWeights:
			name, shape, values, layer, kind, err := decodeTensor(f.raw)
			if err != nil {
				return nil, err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: values, Layer: layer, Type: kind})
		case ckptOptimizer:
			if c.OptimizerState, err = decodeOptimizerState(f.raw); err != nil {
				return nil, err
			}
		case ckptScheduler:
			if c.SchedulerState, err = decodeSchedulerState(f.raw); err != nil {
				return nil, err
			}
		case ckptMetadata:
			if c.Metadata, err = decodeMetadata(f.raw); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	fields, err := parseFields(b)
	if err != nil {
		return s, err
	}
	for _, f := range fields {
		switch f.num {
		case tsEpoch:
			s.Epoch = f.sint()
		case tsBestMetric:
			s.BestMetric = f.double()
		case tsBestEpoch:
			s.BestEpoch = f.sint()
		case tsBestLoss:
			s.BestLoss = f.double()
		case tsLearningRate:
			s.LearningRate = f.double()
		case tsTau:
			s.Tau = f.double()
		}
	}
	return s, nil
}

func decodeTensor(b []byte) (name string, shape []int, data []float32, layer, kind string, err error) {
	fields, err := parseFields(b)
	if err != nil {
		return
	}
	for _, f := range fields {
		switch f.num {
		case tensorName:
			name = string(f.raw)
		case tensorShape:
			if err = f.expect(protowire.BytesType); err != nil {
				return
			}
			for raw := f.raw; len(raw) > 0; {
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					err = protowire.ParseError(n)
					return
				}
				shape = append(shape, int(protowire.DecodeZigZag(v)))
				raw = raw[n:]
			}
		case tensorData:
			if err = f.expect(protowire.BytesType); err != nil {
				return
			}
			if len(f.raw)%4 != 0 {
				err = fmt.Errorf("tensor %s: packed float length %d", name, len(f.raw))
				return
			}
			data = make([]float32, 0, len(f.raw)/4)
			for raw := f.raw; len(raw) > 0; {
				v, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					err = protowire.ParseError(n)
					return
				}
				data = append(data, math.Float32frombits(v))
				raw = raw[n:]
			}
		case tensorLayer:
			layer = string(f.raw)
		case tensorType:
			kind = string(f.raw)
		}
	}
	return
}

func decodeParam(b []byte) (string, float64, error) {
	fields, err := parseFields(b)
	if err != nil {
		return "", 0, err
	}
	var (
		key   string
		value float64
	)
	for _, f := range fields {
		switch f.num {
		case 1:
			key = string(f.raw)
		case 2:
			if err := f.expect(protowire.Fixed64Type); err != nil {
				return "", 0, err
			}
			value = f.double()
		}
	}
	return key, value, nil
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	s := &OptimizerState{Parameters: make(map[string]float64)}
	for _, f := range fields {
		switch f.num {
		case optType:
			s.Type = string(f.raw)
		case optParams:
			k, v, err := decodeParam(f.raw)
			if err != nil {
				return nil, err
			}
			s.Parameters[k] = v
		case optState:
			name, shape, data, stateType, _, err := decodeTensor(f.raw)
			if err != nil {
				return nil, err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
	}
	return s, nil
}

func decodeSchedulerState(b []byte) (*SchedulerState, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	s := &SchedulerState{}
	for _, f := range fields {
		switch f.num {
		case schedType:
			s.Type = string(f.raw)
		case schedLastEpoch:
			s.LastEpoch = f.sint()
		case schedBaseLR:
			s.BaseLR = f.double()
		case schedParams:
			k, v, err := decodeParam(f.raw)
			if err != nil {
				return nil, err
			}
			if s.Parameters == nil {
				s.Parameters = make(map[string]float64)
			}
			s.Parameters[k] = v
		case schedMilestones:
			for raw := f.raw; len(raw) > 0; {
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				s.Milestones = append(s.Milestones, int(protowire.DecodeZigZag(v)))
				raw = raw[n:]
			}
		}
	}
	return s, nil
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	fields, err := parseFields(b)
	if err != nil {
		return m, err
	}
	for _, f := range fields {
		switch f.num {
		case metaVersion:
			m.Version = string(f.raw)
		case metaFramework:
			m.Framework = string(f.raw)
		case metaCreatedAt:
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(f.raw, ts); err != nil {
				return m, fmt.Errorf("creation time: %w", err)
			}
			m.CreatedAt = ts.AsTime()
		case metaDescription:
			m.Description = string(f.raw)
		case metaTags:
			m.Tags = append(m.Tags, string(f.raw))
		}
	}
	return m, nil
}
