// Package extract evaluates declarative JMESPath expressions against JSON
// response bodies, producing variables for the local scope.
package extract

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Variables evaluates each expression against the response body and
// returns the extracted values as strings. A non-JSON body or a null
// result is an error; the caller decides whether that fails the request.
func Variables(exprs map[string]string, responseBody string) (map[string]string, error) {
	if len(exprs) == 0 {
		return nil, nil
	}

	var jsonData any
	if err := json.Unmarshal([]byte(responseBody), &jsonData); err != nil {
		return nil, fmt.Errorf("cannot extract variables: response is not valid JSON")
	}

	extracted := make(map[string]string, len(exprs))
	for name, expr := range exprs {
		result, err := jmespath.Search(expr, jsonData)
		if err != nil {
			return nil, fmt.Errorf("failed to extract variable %s using path %s: %w", name, expr, err)
		}

		value, err := stringifyResult(result)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		if value == "" && result == nil {
			return nil, fmt.Errorf("variable %s: path %s returned null", name, expr)
		}
		extracted[name] = value
	}

	return extracted, nil
}

func stringifyResult(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case float64:
		return fmt.Sprintf("%g", v), nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to convert extracted value to string: %w", err)
		}
		return string(data), nil
	}
}
