package context

import (
	"github.com/tidwall/gjson"

	"github.com/r3e-network/flowengine/apperror"
)

// Lookup resolves a dotted-path key (e.g. "nodes.fetch_user.output.email")
// against a view's flattened JSON keyspace. It returns apperror.NotFound
// when the path does not resolve, matching the same not-found semantics
// used elsewhere for missing entities.
func (v View) Lookup(path string) (gjson.Result, error) {
	raw, err := v.Flatten()
	if err != nil {
		return gjson.Result{}, apperror.Wrap(apperror.KindFatal, "flatten context view", err)
	}

	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return gjson.Result{}, apperror.NotFound("context path", path)
	}
	return result, nil
}

// LookupString is a convenience wrapper returning the string form of the
// resolved value, or ("", err) if the path does not exist.
func (v View) LookupString(path string) (string, error) {
	result, err := v.Lookup(path)
	if err != nil {
		return "", err
	}
	return result.String(), nil
}
