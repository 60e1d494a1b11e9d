package manifest

// Schema is the JSON Schema used for structural validation of plugin.json.
// Required fields and the permission enum are checked separately so that
// every problem is reported as its own error.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "author": { "type": "string" },
    "main": { "type": "string" },
    "category": { "type": "string" },
    "icon": { "type": "string" },
    "permissions": {
      "type": "array",
      "items": { "type": "string" }
    },
    "window": {
      "type": "object",
      "properties": {
        "width": { "type": "integer", "minimum": 0 },
        "height": { "type": "integer", "minimum": 0 },
        "minWidth": { "type": "integer", "minimum": 0 },
        "minHeight": { "type": "integer", "minimum": 0 },
        "maxWidth": { "type": "integer", "minimum": 0 },
        "maxHeight": { "type": "integer", "minimum": 0 },
        "resizable": { "type": "boolean" }
      }
    }
  }
}`
