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
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/connhub/common"
	"github.com/apex/log"
)

// ProcedureRouter routes procedure invocations by name
type ProcedureRouter interface {
	Registrar
	// Invoke run the named procedure with the raw JSON input
	Invoke(ctxt context.Context, name string, rawInput json.RawMessage) (interface{}, error)
	// Describe descriptions of all registered procedures, sorted by name
	Describe() []ProcedureDescriptor
}

// procedureRouterImpl implements ProcedureRouter
type procedureRouterImpl struct {
	common.Component
	lock       sync.RWMutex
	procedures map[string]Procedure
}

// GetProcedureRouter define a new procedure router
func GetProcedureRouter(instance string) ProcedureRouter {
	logTags := log.Fields{
		"module": "procedures", "component": "router", "instance": instance,
	}
	return &procedureRouterImpl{
		Component:  common.Component{LogTags: logTags},
		procedures: make(map[string]Procedure),
	}
}

// RegisterProcedures register a set of procedures. Nothing is registered if any
// name is already in use.
func (r *procedureRouterImpl) RegisterProcedures(procs ...Procedure) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := map[string]bool{}
	for _, proc := range procs {
		_, exists := r.procedures[proc.Path()]
		if exists || names[proc.Path()] {
			err := fmt.Errorf("%w: %s", ErrProcedureExists, proc.Path())
			log.WithError(err).WithFields(r.LogTags).Error("Unable to register procedures")
			return err
		}
		names[proc.Path()] = true
	}
	for _, proc := range procs {
		r.procedures[proc.Path()] = proc
		log.WithFields(r.LogTags).Debugf("Registered procedure %s", proc.Path())
	}
	return nil
}

// Invoke run the named procedure with the raw JSON input
func (r *procedureRouterImpl) Invoke(
	ctxt context.Context, name string, rawInput json.RawMessage,
) (interface{}, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	logTags["procedure"] = name
	r.lock.RLock()
	proc, ok := r.procedures[name]
	r.lock.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrProcedureNotFound, name)
		log.WithError(err).WithFields(logTags).Error("Unable to invoke procedure")
		return nil, err
	}
	result, err := proc.Invoke(ctxt, rawInput)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Procedure failed")
		return nil, err
	}
	return result, nil
}

// Describe descriptions of all registered procedures
func (r *procedureRouterImpl) Describe() []ProcedureDescriptor {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]ProcedureDescriptor, 0, len(r.procedures))
	for _, proc := range r.procedures {
		result = append(result, ProcedureDescriptor{
			Path: proc.Path(), ProcedureMeta: proc.Meta(), Input: proc.InputSchema(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}
