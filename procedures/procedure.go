// Copyright 2021-2022 The connhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procedures

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ProcedureHandler typed procedure implementation
type ProcedureHandler[I, O any] func(ctxt context.Context, input I) (O, error)

// typedProcedure implements Procedure for a typed handler
type typedProcedure[I, O any] struct {
	path     string
	meta     ProcedureMeta
	schema   *jsonschema.Schema
	validate *validator.Validate
	handler  ProcedureHandler[I, O]
}

// DefineProcedure define a procedure from a typed handler.
//
// The input is decoded from JSON into I, and checked using its "validate" struct tags
// before the handler is called. The input JSON schema is reflected from I.
func DefineProcedure[I, O any](
	path string, meta ProcedureMeta, handler ProcedureHandler[I, O],
) Procedure {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	if meta.Args == nil {
		meta.Args = []string{}
	}
	if meta.Shorts == nil {
		meta.Shorts = map[string]string{}
	}
	if meta.Output == "" {
		meta.Output = "json"
	}
	return &typedProcedure[I, O]{
		path:     path,
		meta:     meta,
		schema:   r.Reflect(new(I)),
		validate: validator.New(),
		handler:  handler,
	}
}

// Path the procedure name
func (p *typedProcedure[I, O]) Path() string {
	return p.path
}

// Meta the procedure metadata
func (p *typedProcedure[I, O]) Meta() ProcedureMeta {
	return p.meta
}

// InputSchema JSON schema of the procedure input
func (p *typedProcedure[I, O]) InputSchema() *jsonschema.Schema {
	return p.schema
}

// Invoke decode and validate the raw input, then run the procedure
func (p *typedProcedure[I, O]) Invoke(
	ctxt context.Context, rawInput json.RawMessage,
) (interface{}, error) {
	var input I
	trimmed := bytes.TrimSpace(rawInput)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &input); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err.Error())
		}
	}
	if reflect.TypeOf(input) != nil && reflect.TypeOf(input).Kind() == reflect.Struct {
		if err := p.validate.Struct(&input); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err.Error())
		}
	}
	return p.handler(ctxt, input)
}
