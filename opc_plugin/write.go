// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package opc_plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/convert"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/factory"
)

// NodeMapping defines how to map message fields to OPC nodes
type NodeMapping struct {
	NodeID    string `json:"nodeId"`
	ValueFrom string `json:"valueFrom"`
	DataType  string `json:"dataType"`
}

type OPCOutput struct {
	*OPCConnection

	NodeMappings []NodeMapping
	kinds        []opc.Kind
}

func opcOutputConfig() *service.ConfigSpec {
	return OPCConnectionConfigSpec.
		Summary("OPC output plugin").
		Description("The OPC output plugin writes fields of structured messages to nodes of an OPC UA, DA or XML-DA server.").
		Field(service.NewObjectListField("nodeMappings",
			service.NewStringField("nodeId").
				Description("The node to write to.").
				Example("ns=2;s=MyVariable"),
			service.NewStringField("valueFrom").
				Description("The field in the input message to get the value from.").
				Example("value"),
			service.NewStringField("dataType").
				Description("Optional type to convert the value to before writing, e.g. Int16 or Float. Empty keeps the type of the message field.").
				Default("")).
			Description("List of node mappings defining which message fields to write to which nodes"))
}

func init() {
	err := service.RegisterOutput(
		"opc", opcOutputConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			out, err := newOPCOutput(conf, mgr, registeredFactoryOptions()...)
			if err != nil {
				return nil, 0, err
			}
			return out, 1, nil
		})
	if err != nil {
		panic(err)
	}
}

func newOPCOutput(conf *service.ParsedConfig, mgr *service.Resources, opts ...factory.Option) (*OPCOutput, error) {
	conn, err := ParseConnectionConfig(conf, mgr, opts...)
	if err != nil {
		return nil, err
	}
	if conn.Config.Protocol == opc.ProtocolHDA || conn.Config.Protocol == opc.ProtocolAC {
		return nil, &opc.ProtocolNotSupportedError{Protocol: conn.Config.Protocol, ServerID: conn.Config.ServerID, Op: "Write"}
	}

	output := &OPCOutput{OPCConnection: conn}

	nodeMappingsConf, err := conf.FieldObjectList("nodeMappings")
	if err != nil {
		return nil, err
	}
	if len(nodeMappingsConf) == 0 {
		return nil, errors.New("no nodeMappings provided")
	}

	for _, mapConf := range nodeMappingsConf {
		var m NodeMapping
		if m.NodeID, err = mapConf.FieldString("nodeId"); err != nil {
			return nil, err
		}
		if m.ValueFrom, err = mapConf.FieldString("valueFrom"); err != nil {
			return nil, err
		}
		if m.DataType, err = mapConf.FieldString("dataType"); err != nil {
			return nil, err
		}
		kind := opc.KindNull
		if m.DataType != "" {
			var ok bool
			if kind, ok = parseKind(m.DataType); !ok {
				return nil, fmt.Errorf("unsupported dataType %q for node %s", m.DataType, m.NodeID)
			}
		}
		output.NodeMappings = append(output.NodeMappings, m)
		output.kinds = append(output.kinds, kind)
	}

	return output, nil
}

// Connect establishes a connection to the server
func (o *OPCOutput) Connect(ctx context.Context) error {
	if o.Client != nil {
		return nil
	}
	return o.connect(ctx, nil)
}

// Write writes all mapped fields of msg in a single request.
func (o *OPCOutput) Write(ctx context.Context, msg *service.Message) error {
	if o.Client == nil {
		return service.ErrNotConnected
	}

	values, err := o.valuesFromMessage(msg)
	if err != nil {
		writesTotal.WithLabelValues(o.Config.ServerID, writeError).Inc()
		return err
	}

	ok, err := o.Client.Write(ctx, values)
	if err != nil {
		writesTotal.WithLabelValues(o.Config.ServerID, writeError).Inc()
		if errors.Is(err, opc.ErrNotConnected) {
			o.disconnect(ctx)
			return service.ErrNotConnected
		}
		return err
	}
	if !ok {
		writesTotal.WithLabelValues(o.Config.ServerID, writeRejected).Inc()
		return fmt.Errorf("server %s rejected at least one of %d values", o.Config.ServerID, len(values))
	}
	writesTotal.WithLabelValues(o.Config.ServerID, writeOK).Inc()
	return nil
}

func (o *OPCOutput) valuesFromMessage(msg *service.Message) ([]opc.DataValue, error) {
	content, err := msg.AsStructured()
	if err != nil {
		return nil, fmt.Errorf("error getting message content: %w", err)
	}
	contentMap, ok := content.(map[string]any)
	if !ok {
		return nil, errors.New("message content is not a map")
	}

	now := time.Now()
	values := make([]opc.DataValue, 0, len(o.NodeMappings))
	for i, mapping := range o.NodeMappings {
		raw, exists := contentMap[mapping.ValueFrom]
		if !exists {
			return nil, fmt.Errorf("field %s not found in message", mapping.ValueFrom)
		}
		node := opc.NewNodeAddress(mapping.NodeID)
		v, err := toValue(raw)
		if err == nil && o.kinds[i] != opc.KindNull {
			v, err = toKind(v, o.kinds[i])
		}
		if err != nil {
			return nil, fmt.Errorf("error converting value for node %s: %w", mapping.NodeID, opc.AttachNode(err, node))
		}
		values = append(values, opc.NewDataValue(node, v, opc.Good, now))
	}
	return values, nil
}

// toKind converts v for a mapping with an explicit dataType. Integral floats
// may become integers, which the lossless coercion alone does not allow.
func toKind(v opc.Value, kind opc.Kind) (opc.Value, error) {
	if v.Kind() == opc.KindArray {
		return convert.CoerceArray(v, kind)
	}
	if f, ok := v.AsFloat64(); ok && (kind.IsSigned() || kind.IsUnsigned()) {
		i, ok := integral(f)
		if !ok {
			return opc.Value{}, &opc.ConversionError{TypeName: v.Kind().String(), Err: fmt.Errorf("%v is not an integer", f)}
		}
		v = opc.Int64(i)
	}
	return convert.Coerce(v, kind)
}

// Close closes the connection to the server
func (o *OPCOutput) Close(ctx context.Context) error {
	o.disconnect(ctx)
	return nil
}
