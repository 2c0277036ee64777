package runner

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// LoadDataFile reads iteration seed data from a CSV file (header row plus
// one row per iteration) or a JSON array of flat objects. JSON may
// contain comments and trailing commas.
func LoadDataFile(path string) ([]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".csv" {
		return parseCSV(data)
	}
	return parseJSONRows(data)
}

func parseCSV(data []byte) ([]map[string]string, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV data file: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, key := range header {
			if i < len(record) {
				row[strings.TrimSpace(key)] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSONRows(data []byte) ([]map[string]string, error) {
	var objects []map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &objects); err != nil {
		return nil, fmt.Errorf("failed to parse JSON data file: %w", err)
	}

	rows := make([]map[string]string, 0, len(objects))
	for _, obj := range objects {
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[k] = stringifyValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func stringifyValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%t", value)
	case nil:
		return ""
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}
