// Package docs registers the OpenAPI description served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/session": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Session"],
                "summary": "Current messaging session",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/model.TenantSession"}}}
            },
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Fire-and-observe: returns 202 once accepted; poll GET /session for progress.",
                "produces": ["application/json"],
                "tags": ["Session"],
                "summary": "Start a messaging session",
                "parameters": [{"type": "boolean", "description": "Wait for the attempt to settle", "name": "wait", "in": "query"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/model.TenantSession"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/model.TenantSession"}},
                    "403": {"description": "Forbidden"}
                }
            },
            "delete": {
                "security": [{"ApiKeyAuth": []}],
                "tags": ["Session"],
                "description": "Also stops the tenant's outbound queue; queued broadcasts not yet sent are dropped.",
                "summary": "Tear down the messaging session",
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/session/qr": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["text/html"],
                "tags": ["Session"],
                "summary": "Pairing page",
                "responses": {"200": {"description": "OK", "schema": {"type": "string"}}}
            }
        },
        "/messages": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "List journaled messages",
                "parameters": [{"type": "string", "description": "Pagination cursor", "name": "cursor", "in": "query"}],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}}
            },
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Send one message",
                "parameters": [{"description": "Recipient and body", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.SendRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dispatch.Result"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/dispatch.Result"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/dispatch.Result"}}
                }
            }
        },
        "/broadcasts": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Broadcast a message",
                "parameters": [{"description": "Recipients and body", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.BroadcastRequest"}}],
                "responses": {
                    "200": {"description": "OK"},
                    "202": {"description": "Accepted"},
                    "429": {"description": "Too Many Requests"},
                    "503": {"description": "Service Unavailable"}
                }
            }
        },
        "/broadcasts/concurrency": {
            "put": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "tags": ["Messages"],
                "summary": "Update outbound worker concurrency",
                "parameters": [{"description": "Worker count", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.ConcurrencyConfig"}}],
                "responses": {"204": {"description": "No Content"}, "404": {"description": "Not Found"}}
            }
        },
        "/quota": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Monthly messaging quota",
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "api.SendRequest": {
            "type": "object",
            "properties": {"to": {"type": "string"}, "body": {"type": "string"}}
        },
        "api.BroadcastRequest": {
            "type": "object",
            "properties": {
                "recipients": {"type": "array", "items": {"type": "string"}},
                "body": {"type": "string"},
                "queued": {"type": "boolean"}
            }
        },
        "api.ConcurrencyConfig": {
            "type": "object",
            "properties": {"workers": {"type": "integer"}}
        },
        "dispatch.Result": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "sub_status": {"type": "string"},
                "detail": {"type": "string"},
                "recipient": {"type": "string"},
                "message_id": {"type": "string"}
            }
        },
        "model.TenantSession": {
            "type": "object",
            "properties": {
                "tenant_id": {"type": "string"},
                "status": {"type": "string"},
                "pairing_payload": {"type": "string"},
                "generation": {"type": "integer"},
                "last_transition_at": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "School Messaging Session API",
	Description:      "Per-tenant chat-network session lifecycle and quota-gated messaging",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
