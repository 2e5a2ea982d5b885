// Package docs registers the OpenAPI description served under /swagger.
// Regenerate with `swag init -g cmd/server/main.go` after changing handler
// annotations.
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
        "/ws": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["realtime"],
                "summary": "Open a websocket session",
                "parameters": [
                    {"type": "string", "description": "Access token when the Authorization header cannot be set", "name": "token", "in": "query"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/poll": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["poll"],
                "summary": "Open a long-polling session",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/poll/{sid}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/x-ndjson"],
                "tags": ["poll"],
                "summary": "Receive queued events",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "sid", "in": "path", "required": true},
                    {"type": "string", "description": "Maximum wait, e.g. 25s", "name": "wait", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Newline-separated events", "schema": {"type": "string"}},
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "tags": ["poll"],
                "summary": "Send one client event",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "sid", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "tags": ["poll"],
                "summary": "Close a long-polling session",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "sid", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/presence/{userId}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["presence"],
                "summary": "Get a user's presence",
                "parameters": [
                    {"type": "string", "description": "User id", "name": "userId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/triggers/application-status": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["triggers"],
                "summary": "Notify an applicant of a status change",
                "parameters": [
                    {"type": "string", "description": "Service token", "name": "X-Service-Token", "in": "header", "required": true},
                    {"description": "Status change", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/events.ApplicationStatusData"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "integer"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/triggers/jobs": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["triggers"],
                "summary": "Announce a posted job to its room and to admins",
                "parameters": [
                    {"type": "string", "description": "Service token", "name": "X-Service-Token", "in": "header", "required": true},
                    {"description": "Posted job", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/events.JobPostedData"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "integer"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/triggers/messages": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["triggers"],
                "summary": "Deliver a direct message",
                "parameters": [
                    {"type": "string", "description": "Service token", "name": "X-Service-Token", "in": "header", "required": true},
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/events.MessageData"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "integer"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/triggers/notifications": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["triggers"],
                "summary": "Send a generic notification to a user or a room",
                "parameters": [
                    {"type": "string", "description": "Service token", "name": "X-Service-Token", "in": "header", "required": true},
                    {"description": "Notification", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.notifyRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "integer"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        },
        "/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Hub statistics",
                "parameters": [
                    {"type": "string", "description": "Service token", "name": "X-Service-Token", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/websocket.Stats"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "events.ApplicationStatusData": {
            "type": "object",
            "properties": {
                "applicationId": {"type": "string"},
                "status": {"type": "string"},
                "notes": {"type": "string"},
                "applicantId": {"type": "string"},
                "updatedBy": {"type": "string"}
            }
        },
        "events.JobPostedData": {
            "type": "object",
            "properties": {
                "jobId": {"type": "string"},
                "job": {"type": "object"},
                "postedBy": {"type": "string"}
            }
        },
        "events.MessageData": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "senderId": {"type": "string"},
                "recipientId": {"type": "string"},
                "message": {"type": "string"},
                "jobId": {"type": "string"},
                "timestamp": {"type": "integer"}
            }
        },
        "handlers.notifyRequest": {
            "type": "object",
            "properties": {
                "userId": {"type": "string"},
                "room": {"type": "string"},
                "title": {"type": "string"},
                "message": {"type": "string"},
                "payload": {"type": "object"}
            }
        },
        "response.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer"},
                "error": {"type": "string"},
                "details": {"type": "string"}
            }
        },
        "websocket.Stats": {
            "type": "object",
            "properties": {
                "connections": {"type": "integer"},
                "users": {"type": "integer"},
                "rooms": {"type": "integer"},
                "activeTyping": {"type": "integer"},
                "metrics": {"type": "object", "additionalProperties": true},
                "errors": {"type": "object", "additionalProperties": {"type": "integer"}}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Realtime Service API",
	Description:      "Real-time notifications and messaging for the job board.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
