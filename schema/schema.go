// Package schema embeds and enforces the JSON Schema for the fetch
// Method payload.
//
// The schema is the module's public contract: hosts can dump it with
// the --schema flag and validate manifests before dispatch, and the
// module validates every incoming Method against it before any
// download work starts. Validation failures are SchemaError-kinded,
// so they surface as an Exception rather than per-item failures.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kilnworks/kiln/types"
)

//go:embed fetch_method.json
var fetchMethodJSON []byte

// fetchMethod is compiled once at init; the embedded document is part
// of the binary, so a compile failure is a build defect, not runtime input.
var fetchMethod = jsonschema.MustCompileString("fetch_method.json", string(fetchMethodJSON))

// FetchMethodJSON returns the embedded schema document, byte for byte
// as dumped by the module's --schema flag.
func FetchMethodJSON() []byte {
	return append([]byte(nil), fetchMethodJSON...)
}

// ValidationError reports Method args that do not conform to the fetch
// schema. It is job-level: nothing is fetched, the job replies with an
// Exception named SchemaError.
type ValidationError struct {
	Msg string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Msg
}

// ErrorKind implements types.KindedError.
func (e *ValidationError) ErrorKind() types.ErrorKind {
	return types.ErrorKindSchema
}

// Item is one validated fetch request entry: a parsed checksum key, the
// URL to fetch it from, and an optional secrets provider name.
type Item struct {
	Key         types.ChecksumKey
	URL         string
	SecretsName string
}

// ParseFetchArgs validates raw fetch Method args against the embedded
// schema and flattens them into items sorted by checksum key.
//
// Args may have been decoded from either wire encoding, so they are
// normalized through a JSON round-trip before validation; the schema
// library only accepts values in json.Unmarshal's vocabulary. Keys that
// pass the schema's 32..128 hex range but miss their algorithm's exact
// digest length are rejected here as well.
func ParseFetchArgs(args map[string]any) ([]Item, error) {
	norm, err := normalize(args)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("fetch args are not a JSON document: %v", err)}
	}
	if err := fetchMethod.Validate(norm); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("fetch args: %v", err)}
	}

	// Past validation the shape is pinned: a map with exactly one of
	// "items" or "urls", each value a string or a {url, secrets?} object.
	obj := norm.(map[string]any)
	entries, ok := obj["items"].(map[string]any)
	if !ok {
		entries = obj["urls"].(map[string]any)
	}

	items := make([]Item, 0, len(entries))
	for key, value := range entries {
		item, err := parseItem(key, value)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.String() < items[j].Key.String()
	})
	return items, nil
}

func parseItem(key string, value any) (Item, error) {
	ck, err := types.ParseChecksumKey(key)
	if err != nil {
		return Item{}, &ValidationError{Msg: fmt.Sprintf("fetch args: %v", err)}
	}

	item := Item{Key: ck}
	switch v := value.(type) {
	case string:
		item.URL = v
	case map[string]any:
		item.URL = v["url"].(string)
		if secrets, ok := v["secrets"].(map[string]any); ok {
			item.SecretsName = secrets["name"].(string)
		}
	}
	if item.URL == "" {
		return Item{}, &ValidationError{Msg: fmt.Sprintf("fetch args: %s: empty url", key)}
	}
	return item, nil
}

// normalize round-trips v through encoding/json so that numbers,
// []byte values and typed maps from the msgpack decoder collapse into
// the generic JSON value forms the validator understands.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
