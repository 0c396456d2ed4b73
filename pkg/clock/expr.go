/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"fmt"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/goccy/go-json"

	"github.com/numaproj/windmill/pkg/wire"
)

var sprigFuncMap = sprig.GenericFuncMap()

// NewExprExtractor compiles an expression into a timestamp Extractor, for
// configurations where the event time lives inside the payload. The
// expression sees `payload` and `key` as strings, a `json(payload)`
// helper and the sprig function map. It must evaluate to a time.Time, an
// RFC3339 string, or integer Unix milliseconds.
//
// Examples:
//
//	json(payload).time
//	int(json(payload).ts_millis)
func NewExprExtractor(expression string) (Extractor, error) {
	if expression == "" {
		return nil, fmt.Errorf("timestamp expression must not be empty")
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("unable to compile expression '%s': %w", expression, err)
	}
	return func(item *wire.Item) (time.Time, error) {
		result, err := runExpr(program, item)
		if err != nil {
			return time.Time{}, err
		}
		return toTime(result)
	}, nil
}

func runExpr(program *vm.Program, item *wire.Item) (interface{}, error) {
	env := getFuncMap(map[string]interface{}{
		"payload": string(item.Payload),
		"key":     item.Key,
	})
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("unable to execute compiled program %v", err)
	}
	return result, nil
}

func getFuncMap(m map[string]interface{}) map[string]interface{} {
	env := map[string]interface{}{
		"json": jsonify,
	}
	for k, v := range sprigFuncMap {
		env[k] = v
	}
	for k, v := range m {
		env[k] = v
	}
	return env
}

func jsonify(s string) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func toTime(result interface{}) (time.Time, error) {
	switch v := result.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("expression result %q is not an RFC3339 timestamp, %w", v, err)
		}
		return ts, nil
	case int:
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	default:
		return time.Time{}, fmt.Errorf("expression result %v (%T) is not a timestamp", result, result)
	}
}
