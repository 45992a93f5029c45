// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package identify accumulates user property operations and merges them into
// the user_properties payload of a single "$identify" event.
//
//	id := identify.New().
//	    Add("karma", 1).
//	    Set("gender", "male")
//	props, err := id.Merge()
//	// {"$add":{"karma":1},"$set":{"gender":"male"}}
//
// A later operation of the same kind on the same property replaces the
// earlier value. Operations of different kinds on one property are all kept;
// the collector decides how they combine.
package identify

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tomtom215/traintracks/internal/models"
)

// UnsetValue is the placeholder value sent for unset and clearAll operations.
const UnsetValue = "-"

// Errors
var (
	// ErrEmptyProperty is returned for an operation without a property name.
	ErrEmptyProperty = errors.New("identify: property name is required")

	// ErrAddType is returned when Add is given something other than a number
	// or a string.
	ErrAddType = errors.New("identify: add requires a number or string value")

	// ErrEmpty is returned when merging an identify without operations.
	ErrEmpty = errors.New("identify: no operations")
)

// Identify is a builder of user property operations. It is not safe for
// concurrent use; build it on one goroutine and hand it to the client.
type Identify struct {
	ops      map[string]models.Properties
	clearAll bool
	errs     []error
}

// New returns an empty builder.
func New() *Identify {
	return &Identify{ops: make(map[string]models.Properties)}
}

// Add increments a numeric property by value. Strings are accepted and
// parsed by the collector.
func (id *Identify) Add(property string, value any) *Identify {
	v, err := models.ValueOf(value)
	if err == nil && v.Kind() != models.KindNumber && v.Kind() != models.KindString {
		err = fmt.Errorf("%w: got %s", ErrAddType, v.Kind())
	}
	return id.record(models.OpAdd, property, v, err)
}

// Set assigns value to property.
func (id *Identify) Set(property string, value any) *Identify {
	v, err := models.ValueOf(value)
	return id.record(models.OpSet, property, v, err)
}

// SetOnce assigns value to property unless the collector already holds a
// value for it.
func (id *Identify) SetOnce(property string, value any) *Identify {
	v, err := models.ValueOf(value)
	return id.record(models.OpSetOnce, property, v, err)
}

// Unset removes property.
func (id *Identify) Unset(property string) *Identify {
	return id.record(models.OpUnset, property, models.String(UnsetValue), nil)
}

// ClearAll removes every user property before the other operations apply.
func (id *Identify) ClearAll() *Identify {
	id.clearAll = true
	return id
}

func (id *Identify) record(op, property string, v models.Value, err error) *Identify {
	if id.ops == nil {
		id.ops = make(map[string]models.Properties)
	}
	if property == "" {
		id.errs = append(id.errs, fmt.Errorf("%s: %w", op, ErrEmptyProperty))
		return id
	}
	if err != nil {
		id.errs = append(id.errs, fmt.Errorf("%s %q: %w", op, property, err))
		return id
	}

	property = models.TruncateString(property, models.MaxStringLength)
	props := id.ops[op]
	props.Set(property, v.Truncate(models.MaxStringLength))
	id.ops[op] = props
	return id
}

// Err returns the validation errors collected while building.
func (id *Identify) Err() error {
	return errors.Join(id.errs...)
}

// Empty reports whether no operation has been recorded.
func (id *Identify) Empty() bool {
	return len(id.ops) == 0 && !id.clearAll
}

// Merge returns the user_properties payload: one object per operation kind,
// keyed by the operation name in sorted order.
func (id *Identify) Merge() (models.Properties, error) {
	if err := id.Err(); err != nil {
		return nil, err
	}
	if id.Empty() {
		return nil, ErrEmpty
	}

	keys := make([]string, 0, len(id.ops)+1)
	for op := range id.ops {
		keys = append(keys, op)
	}
	if id.clearAll {
		keys = append(keys, models.OpClearAll)
	}
	sort.Strings(keys)

	out := make(models.Properties, 0, len(keys))
	for _, op := range keys {
		if op == models.OpClearAll {
			out = append(out, models.Property{Key: op, Value: models.String(UnsetValue)})
			continue
		}
		out = append(out, models.Property{Key: op, Value: models.Object(id.ops[op])})
	}
	return out, nil
}

// FromUserProperties builds the identify equivalent of setting every
// property in props, optionally clearing all existing properties first.
func FromUserProperties(props models.Properties, replace bool) *Identify {
	id := New()
	if replace {
		id.ClearAll()
	}
	for _, p := range props {
		id.Set(p.Key, p.Value)
	}
	return id
}
