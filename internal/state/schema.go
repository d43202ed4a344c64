package state

import "github.com/xeipuuv/gojsonschema"

// documentSchema constrains the on-disk shape: flat boolean step flags, a
// chunks object of boolean flag maps, and the legacy string list. Anything
// else marks the file as corrupt, which Load degrades to the default
// document rather than surfacing an error.
const documentSchema = `{
  "type": "object",
  "properties": {
    "chunks": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {"type": "boolean"}
      }
    },
    "chunk_sparse_done": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "additionalProperties": {"type": "boolean"}
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// documentShapeValid reports whether raw JSON matches the document schema.
// Unparsable input is simply invalid, never an error.
func documentShapeValid(data []byte) bool {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return false
	}

	return result.Valid()
}
