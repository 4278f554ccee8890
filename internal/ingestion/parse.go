package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts csv, json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported format: %q", s)
}

// FormatFromName guesses the format from a file extension.
func FormatFromName(name string) (Format, error) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", fmt.Errorf("cannot infer format of %q", name)
	}
	return ParseFormat(name[i+1:])
}

// row is one input record with its fields rendered as strings, keyed by
// lower-cased column name. n is 1-based.
type row struct {
	n      int
	fields map[string]string
}

func (r row) get(name string) string {
	return strings.TrimSpace(r.fields[name])
}

func parseRows(format Format, data []byte) ([]row, error) {
	switch format {
	case FormatCSV:
		return parseCSV(data)
	case FormatJSON:
		return parseJSON(data)
	case FormatYAML:
		return parseYAML(data)
	}
	return nil, fmt.Errorf("unsupported format: %q", format)
}

// parseCSV addresses columns by header name so column order does not matter.
func parseCSV(data []byte) ([]row, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = normaliseKey(header[i])
	}

	var rows []row
	for n := 1; ; n++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n, err)
		}
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				fields[h] = rec[i]
			}
		}
		rows = append(rows, row{n: n, fields: fields})
	}
	return rows, nil
}

// parseJSON expects an array of flat objects. Numbers keep their literal
// text so decimals are not routed through float64.
func parseJSON(data []byte) ([]row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var objs []map[string]any
	if err := dec.Decode(&objs); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return objectRows(objs)
}

func parseYAML(data []byte) ([]row, error) {
	var objs []map[string]any
	if err := yaml.Unmarshal(data, &objs); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return objectRows(objs)
}

func objectRows(objs []map[string]any) ([]row, error) {
	rows := make([]row, 0, len(objs))
	for i, obj := range objs {
		fields := make(map[string]string, len(obj))
		for k, v := range obj {
			s, err := scalarString(v)
			if err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", i+1, k, err)
			}
			fields[normaliseKey(k)] = s
		}
		rows = append(rows, row{n: i + 1, fields: fields})
	}
	return rows, nil
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Time:
		if t.Equal(t.Truncate(24 * time.Hour)) {
			return t.Format(time.DateOnly), nil
		}
		return t.Format(time.RFC3339), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("unsupported value of type %T", v)
}

func normaliseKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
