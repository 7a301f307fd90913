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
	"context"
	"encoding/json"
	"errors"

	"github.com/invopop/jsonschema"
)

// ErrValidationFailed the procedure input does not match its declared shape
var ErrValidationFailed = errors.New("validation failed")

// ErrProcedureNotFound no procedure is registered under the name
var ErrProcedureNotFound = errors.New("procedure not found")

// ErrProcedureExists a procedure is already registered under the name
var ErrProcedureExists = errors.New("procedure already registered")

// ProcedureMeta descriptive procedure metadata, used to build CLI style invocations
type ProcedureMeta struct {
	// Description human readable description
	Description string `json:"description"`
	// Args input fields which are passed as positional arguments, in order
	Args []string `json:"args"`
	// Shorts single letter flag aliases of input fields
	Shorts map[string]string `json:"shorts"`
	// Output output rendering hint
	Output string `json:"output"`
}

// Procedure a named procedure with a declared input shape
type Procedure interface {
	// Path the procedure name
	Path() string
	// Meta the procedure metadata
	Meta() ProcedureMeta
	// InputSchema JSON schema of the procedure input
	InputSchema() *jsonschema.Schema
	// Invoke decode and validate the raw input, then run the procedure
	Invoke(ctxt context.Context, rawInput json.RawMessage) (interface{}, error)
}

// Registrar accepts procedure registrations
type Registrar interface {
	// RegisterProcedures register a set of procedures
	RegisterProcedures(procs ...Procedure) error
}

// ProcedureDescriptor external description of a registered procedure
type ProcedureDescriptor struct {
	Path string `json:"path"`
	ProcedureMeta
	Input *jsonschema.Schema `json:"input"`
}
