// Package importer converts external API descriptions (OpenAPI documents,
// HAR captures) into collection graphs the engine can run.
package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/apistation/apistation/internal/collection"
	"github.com/apistation/apistation/internal/types"
)

type openAPIDocument struct {
	OpenAPI    string                     `yaml:"openapi" json:"openapi"`
	Info       openAPIInfo                `yaml:"info" json:"info"`
	Servers    []openAPIServer            `yaml:"servers" json:"servers"`
	Paths      map[string]openAPIPathItem `yaml:"paths" json:"paths"`
	Components *openAPIComponents         `yaml:"components" json:"components"`
}

type openAPIInfo struct {
	Title   string `yaml:"title" json:"title"`
	Version string `yaml:"version" json:"version"`
}

type openAPIServer struct {
	URL string `yaml:"url" json:"url"`
}

type openAPIComponents struct {
	Schemas map[string]map[string]any `yaml:"schemas" json:"schemas"`
}

type openAPIPathItem struct {
	Get        *openAPIOperation  `yaml:"get" json:"get"`
	Put        *openAPIOperation  `yaml:"put" json:"put"`
	Post       *openAPIOperation  `yaml:"post" json:"post"`
	Delete     *openAPIOperation  `yaml:"delete" json:"delete"`
	Patch      *openAPIOperation  `yaml:"patch" json:"patch"`
	Head       *openAPIOperation  `yaml:"head" json:"head"`
	Options    *openAPIOperation  `yaml:"options" json:"options"`
	Parameters []openAPIParameter `yaml:"parameters" json:"parameters"`
}

type openAPIOperation struct {
	Summary     string              `yaml:"summary" json:"summary"`
	OperationID string              `yaml:"operationId" json:"operationId"`
	Tags        []string            `yaml:"tags" json:"tags"`
	Parameters  []openAPIParameter  `yaml:"parameters" json:"parameters"`
	RequestBody *openAPIRequestBody `yaml:"requestBody" json:"requestBody"`
}

type openAPIParameter struct {
	Name     string         `yaml:"name" json:"name"`
	In       string         `yaml:"in" json:"in"` // path, query, header
	Required bool           `yaml:"required" json:"required"`
	Schema   map[string]any `yaml:"schema" json:"schema"`
}

type openAPIRequestBody struct {
	Content map[string]openAPIMediaType `yaml:"content" json:"content"`
}

type openAPIMediaType struct {
	Schema  map[string]any `yaml:"schema" json:"schema"`
	Example any            `yaml:"example" json:"example"`
}

// maxSchemaDepth bounds example generation so recursive schemas
// terminate.
const maxSchemaDepth = 8

// FromOpenAPI converts an OpenAPI 3 document into a runnable collection.
// The first server URL becomes the baseUrl collection variable, path
// parameters become {{variables}} and operations are grouped into folders
// by their first tag.
func FromOpenAPI(path string) (*collection.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI document: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data = jsonc.ToJSON(data)
	}

	var doc openAPIDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("OpenAPI document has no paths")
	}

	name := doc.Info.Title
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	baseURL := "http://localhost"
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		baseURL = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}

	bundle := &collection.Bundle{
		Collection: &types.Collection{
			ID:     uuid.NewString(),
			TeamID: "local",
			Name:   name,
		},
		Variables: map[string]string{"baseUrl": baseURL},
	}

	foldersByTag := make(map[string]*types.Folder)
	order := 0
	for _, apiPath := range sortedKeys(doc.Paths) {
		item := doc.Paths[apiPath]
		for _, entry := range []struct {
			method string
			op     *openAPIOperation
		}{
			{"GET", item.Get},
			{"POST", item.Post},
			{"PUT", item.Put},
			{"PATCH", item.Patch},
			{"DELETE", item.Delete},
			{"HEAD", item.Head},
			{"OPTIONS", item.Options},
		} {
			if entry.op == nil {
				continue
			}
			req := operationToRequest(entry.method, apiPath, entry.op, item.Parameters, &doc, bundle.Collection.ID, order)
			req.FolderID = folderForTags(bundle, foldersByTag, entry.op.Tags)
			bundle.Requests = append(bundle.Requests, req)
			order++
		}
	}

	return bundle, nil
}

// folderForTags returns the folder id for an operation's first tag,
// creating the folder on first use. Untagged operations stay at the
// collection root.
func folderForTags(bundle *collection.Bundle, byTag map[string]*types.Folder, tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	tag := tags[0]
	if folder, ok := byTag[tag]; ok {
		return folder.ID
	}
	folder := &types.Folder{
		ID:           uuid.NewString(),
		CollectionID: bundle.Collection.ID,
		Name:         tag,
		SortOrder:    len(byTag),
	}
	byTag[tag] = folder
	bundle.Folders = append(bundle.Folders, folder)
	return folder.ID
}

func operationToRequest(method, apiPath string, op *openAPIOperation, shared []openAPIParameter, doc *openAPIDocument, collectionID string, order int) *types.Request {
	params := append(append([]openAPIParameter{}, shared...), op.Parameters...)

	// {petId} in the path becomes the {{petId}} variable form.
	urlPath := apiPath
	for _, p := range params {
		if p.In == "path" {
			urlPath = strings.ReplaceAll(urlPath, "{"+p.Name+"}", "{{"+p.Name+"}}")
		}
	}
	urlPath = convertBraceParams(urlPath)

	var headers []types.Param
	var query []types.Param
	for _, p := range params {
		switch p.In {
		case "header":
			headers = append(headers, types.Param{Key: p.Name, Value: "{{" + p.Name + "}}"})
		case "query":
			query = append(query, types.Param{
				Key:      p.Name,
				Value:    "{{" + p.Name + "}}",
				Disabled: !p.Required,
			})
		}
	}

	body := requestBodyFor(op, doc)

	name := op.Summary
	if name == "" {
		name = op.OperationID
	}
	if name == "" {
		name = method + " " + apiPath
	}

	return &types.Request{
		ID:              uuid.NewString(),
		CollectionID:    collectionID,
		Name:            name,
		Method:          method,
		URL:             "{{baseUrl}}" + urlPath,
		SortOrder:       order,
		Headers:         headers,
		Query:           query,
		Body:            body,
		FollowRedirects: true,
	}
}

// requestBodyFor renders the first declared content type of an
// operation's request body as a raw example payload.
func requestBodyFor(op *openAPIOperation, doc *openAPIDocument) types.Body {
	if op.RequestBody == nil {
		return types.Body{}
	}

	for _, contentType := range sortedKeys(op.RequestBody.Content) {
		media := op.RequestBody.Content[contentType]

		example := media.Example
		if example == nil && media.Schema != nil {
			example = exampleFromSchema(media.Schema, doc, 0)
		}
		if example == nil {
			continue
		}

		payload, err := json.MarshalIndent(example, "", "  ")
		if err != nil {
			continue
		}
		return types.Body{
			Type:        types.BodyRaw,
			Raw:         string(payload),
			ContentType: contentType,
		}
	}
	return types.Body{}
}

// exampleFromSchema builds a placeholder value for a schema, resolving
// local $ref pointers and preferring declared examples.
func exampleFromSchema(schema map[string]any, doc *openAPIDocument, depth int) any {
	if depth > maxSchemaDepth {
		return nil
	}
	schema = resolveRef(schema, doc)

	if example, ok := schema["example"]; ok {
		return example
	}

	switch schemaType(schema) {
	case "object":
		result := make(map[string]any)
		if props, ok := schema["properties"].(map[string]any); ok {
			for _, key := range sortedKeys(props) {
				if propSchema, ok := props[key].(map[string]any); ok {
					result[key] = exampleFromSchema(propSchema, doc, depth+1)
				}
			}
		}
		return result
	case "array":
		if items, ok := schema["items"].(map[string]any); ok {
			return []any{exampleFromSchema(items, doc, depth+1)}
		}
		return []any{}
	case "integer", "number":
		return 0
	case "boolean":
		return false
	default:
		return "string"
	}
}

// resolveRef follows a local #/components/schemas pointer.
func resolveRef(schema map[string]any, doc *openAPIDocument) map[string]any {
	ref, ok := schema["$ref"].(string)
	if !ok {
		return schema
	}
	const prefix = "#/components/schemas/"
	if !strings.HasPrefix(ref, prefix) || doc.Components == nil {
		return schema
	}
	if resolved, ok := doc.Components.Schemas[strings.TrimPrefix(ref, prefix)]; ok {
		return resolved
	}
	return schema
}

func schemaType(schema map[string]any) string {
	if t, ok := schema["type"].(string); ok {
		return t
	}
	if _, ok := schema["properties"]; ok {
		return "object"
	}
	return "string"
}

// convertBraceParams rewrites any remaining single-brace {param} segments
// that were not declared as parameters.
func convertBraceParams(path string) string {
	var out strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] != '{' {
			out.WriteByte(path[i])
			continue
		}
		if i+1 < len(path) && path[i+1] == '{' {
			// Already converted.
			end := strings.Index(path[i:], "}}")
			if end == -1 {
				out.WriteString(path[i:])
				return out.String()
			}
			out.WriteString(path[i : i+end+2])
			i += end + 1
			continue
		}
		end := strings.IndexByte(path[i:], '}')
		if end == -1 {
			out.WriteString(path[i:])
			return out.String()
		}
		out.WriteString("{{" + path[i+1:i+end] + "}}")
		i += end
	}
	return out.String()
}
