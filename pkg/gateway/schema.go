package gateway

// sessionCreateSchema is the wire contract for POST /session. The validator
// tags on createSessionRequest recheck field-level constraints after decode;
// this schema rejects structurally malformed bodies first.
const sessionCreateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["documentId", "documentHash", "creator", "signers"],
  "properties": {
    "documentId": {"type": "string", "minLength": 1},
    "documentTitle": {"type": "string"},
    "documentHash": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "sku": {"type": "string"},
    "creator": {"type": "string", "minLength": 1},
    "signers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "email"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "email": {"type": "string", "format": "email"},
          "role": {"type": "string"},
          "signatureType": {"type": "string"},
          "required": {"type": "boolean"}
        }
      }
    },
    "threshold": {"type": "integer", "minimum": 0},
    "requireAll": {"type": "boolean"},
    "ordering": {"enum": ["strict", "any"]},
    "expiresInHours": {"type": "integer", "minimum": 0},
    "requireIntent": {"type": "boolean"},
    "requireOTP": {"type": "boolean"},
    "requiredInitials": {"type": "array", "items": {"type": "string"}}
  }
}`
