// Package rewrite applies the request policy before a request leaves the
// server plane: path repair, query credential stripping, and body rewrite.
//
// DESIGN: Body surgery uses gjson/sjson so only the known fields (tools,
// safetySettings) are touched; every other field round-trips byte-for-byte.
// A body that is not a JSON object passes through unchanged.
package rewrite

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	doubledModels = "/models/models/"
	repairTo      = "/models/"
)

// safetySettingsJSON is the forced policy: every harm category disabled.
// Serialized once; sjson splices it in as raw JSON.
const safetySettingsJSON = `[` +
	`{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_HATE_SPEECH","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_SEXUALLY_EXPLICIT","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_DANGEROUS_CONTENT","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_CIVIC_INTEGRITY","threshold":"BLOCK_NONE"}` +
	`]`

// Path repairs a doubled /models/models/ segment, a recurring client bug
// that the upstream answers with 404. Only the first occurrence is
// repaired.
func Path(p string) string {
	if !strings.Contains(p, doubledModels) {
		return p
	}
	repaired := strings.Replace(p, doubledModels, repairTo, 1)
	log.Info().Str("path", p).Str("repaired", repaired).Msg("repaired doubled models path segment")
	return repaired
}

// Query removes the `key` parameter. Authentication comes from the
// browser session; a conflicting key triggers an upstream 400.
func Query(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		if k == "key" {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Body rewrites a JSON object body: a non-empty tools list is removed
// (tool declarations are rejected on the session-authenticated surface),
// and safetySettings is forced to the BLOCK_NONE policy. Anything that
// does not parse as a JSON object is returned unchanged.
func Body(body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return body
	}

	out := body
	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		if deleted, err := sjson.DeleteBytes(out, "tools"); err == nil {
			out = deleted
			log.Debug().Int("tools", len(tools.Array())).Msg("removed tools from request body")
		}
	}
	if forced, err := sjson.SetRawBytes(out, "safetySettings", []byte(safetySettingsJSON)); err == nil {
		out = forced
	}
	return out
}
