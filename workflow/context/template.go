package context

import (
	"encoding/json"

	"github.com/PaesslerAG/jsonpath"

	"github.com/r3e-network/flowengine/apperror"
)

// ResolveTemplate evaluates a JSONPath expression (e.g.
// "$.nodes.fetch_user.output.email") against the view, for executor
// configs that reference upstream data by template rather than by the
// flattened dotted-path keyspace Lookup exposes.
func (v View) ResolveTemplate(expr string) (interface{}, error) {
	asMap, err := v.asGenericMap()
	if err != nil {
		return nil, err
	}

	result, err := jsonpath.Get(expr, asMap)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "resolve context template", err).
			WithDetails(map[string]string{"expr": expr})
	}
	return result, nil
}

// asGenericMap round-trips the view through the flattened JSON form into a
// plain map[string]interface{}, which is the shape jsonpath.Get expects.
func (v View) asGenericMap() (map[string]interface{}, error) {
	raw, err := v.Flatten()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindFatal, "flatten context view", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperror.Wrap(apperror.KindFatal, "decode flattened context view", err)
	}
	return out, nil
}
