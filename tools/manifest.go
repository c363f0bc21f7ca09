package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// ManifestEntry declares a tool in a JSON manifest file. The response text
// may reference arguments as $name or ${name}.
type ManifestEntry struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Response    string          `json:"response"`
}

// LoadManifests reads every *.json file in dir. A file holds one entry or
// an array of entries. Files are read in name order.
func LoadManifests(dir string) ([]Tool, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	var names []string
	for _, e := range ents {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Tool
	var errs []error
	for _, n := range names {
		entries, err := readManifest(filepath.Join(dir, n))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, me := range entries {
			out = append(out, me.tool())
		}
	}
	return out, errors.Join(errs...)
}

func readManifest(path string) ([]ManifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw = []byte(strings.TrimSpace(string(raw)))

	var entries []ManifestEntry
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &entries)
	} else {
		var one ManifestEntry
		err = json.Unmarshal(raw, &one)
		entries = []ManifestEntry{one}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("decode %s: tool without name", path)
		}
	}
	return entries, nil
}

func (me ManifestEntry) tool() Tool {
	schema := me.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	response := me.Response
	return Tool{
		Descriptor: mcp.Tool{
			Name:        me.Name,
			Title:       me.Title,
			Description: me.Description,
			InputSchema: schema,
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := map[string]any{}
			if len(req.Arguments) > 0 {
				if err := json.Unmarshal(req.Arguments, &args); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return TextResult(os.Expand(response, func(k string) string {
				v, ok := args[k]
				if !ok {
					return ""
				}
				if s, ok := v.(string); ok {
					return s
				}
				return fmt.Sprint(v)
			})), nil
		},
	}
}
