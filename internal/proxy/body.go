package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/url"

	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/types"
)

// buildBody renders the declared body with variables resolved. It returns
// the payload bytes and the content type to set, which may be empty when
// the request declares an explicit Content-Type header instead.
func buildBody(body *types.Body, vars map[string]string) ([]byte, string, error) {
	switch body.Type {
	case "", types.BodyNone:
		return nil, "", nil

	case types.BodyRaw:
		contentType := body.ContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		return []byte(scope.ResolveMerged(body.Raw, vars)), contentType, nil

	case types.BodyURLEncoded:
		values := url.Values{}
		for _, p := range body.Form {
			if p.Disabled {
				continue
			}
			values.Add(scope.ResolveMerged(p.Key, vars), scope.ResolveMerged(p.Value, vars))
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil

	case types.BodyMultipart:
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for _, p := range body.Form {
			if p.Disabled {
				continue
			}
			if err := writer.WriteField(scope.ResolveMerged(p.Key, vars), scope.ResolveMerged(p.Value, vars)); err != nil {
				return nil, "", fmt.Errorf("failed to write multipart field %s: %w", p.Key, err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
		}
		return buf.Bytes(), writer.FormDataContentType(), nil

	case types.BodyGraphQL:
		return buildGraphQLBody(body.GraphQL, vars)

	case types.BodyBinary:
		// Binary payloads are not transmitted by the engine; only the
		// declared content type travels with the request.
		contentType := body.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return nil, contentType, nil
	}

	return nil, "", fmt.Errorf("unsupported body type %q", body.Type)
}

// buildGraphQLBody resolves query and variables separately, then wraps
// them in the {query, variables?, operationName?} envelope.
func buildGraphQLBody(gql *types.GraphQLBody, vars map[string]string) ([]byte, string, error) {
	if gql == nil {
		return nil, "", fmt.Errorf("graphql body has no query")
	}

	envelope := map[string]any{
		"query": scope.ResolveMerged(gql.Query, vars),
	}

	if gql.Variables != "" {
		resolved := scope.ResolveMerged(gql.Variables, vars)
		var parsed any
		if err := json.Unmarshal([]byte(resolved), &parsed); err != nil {
			return nil, "", fmt.Errorf("graphql variables are not valid JSON: %w", err)
		}
		envelope["variables"] = parsed
	}
	if gql.OperationName != "" {
		envelope["operationName"] = scope.ResolveMerged(gql.OperationName, vars)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal graphql envelope: %w", err)
	}
	return payload, "application/json", nil
}
