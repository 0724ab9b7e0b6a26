// Package docs registers the OpenAPI description of the order pipeline API
// with swag so gin-swagger can serve it under /swagger.
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
        "/orders": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Orders"],
                "summary": "Submit an order",
                "operationId": "submitOrder",
                "parameters": [
                    {"description": "Order payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SubmitOrderRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SubmitOrderResponse"}},
                    "400": {"description": "Invalid order", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Order already exists", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "413": {"description": "Details too large", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Store unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/orders/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Orders"],
                "summary": "Get an order",
                "operationId": "getOrder",
                "parameters": [
                    {"type": "string", "description": "Order ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.OrderResponse"}, "headers": {"ETag": {"type": "string"}}},
                    "304": {"description": "Not Modified"},
                    "404": {"description": "Order not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/dead-letters": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Operations"],
                "summary": "List dead letters (paginated)",
                "operationId": "listDeadLetters",
                "parameters": [
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListDeadLettersResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/dead-letters/{id}/redrive": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Operations"],
                "summary": "Redrive a dead letter",
                "operationId": "redriveDeadLetter",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Dead letter ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.RedriveResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Dead letter not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/queue/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Operations"],
                "summary": "Delivery queue snapshot",
                "operationId": "queueStats",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/repo.QueueStats"}},
                    "503": {"description": "Store unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"}
            }
        },
        "handlers.SubmitOrderRequest": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "A1"},
                "details": {"type": "object"}
            }
        },
        "handlers.SubmitOrderResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "order accepted"},
                "order_id": {"type": "string", "example": "A1"},
                "status": {"type": "string", "example": "NOTIFIED"}
            }
        },
        "handlers.OrderResponse": {
            "type": "object",
            "properties": {
                "order_id": {"type": "string", "example": "A1"},
                "status": {"type": "string", "example": "PROCESSED"},
                "details": {"type": "object"},
                "notified_at": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.DeadLetterItem": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "format": "uuid"},
                "order_id": {"type": "string"},
                "event_id": {"type": "string"},
                "failure_kind": {"type": "string", "example": "max_receive_exceeded"},
                "failure_reason": {"type": "string"},
                "receive_count": {"type": "integer"},
                "first_seen_at": {"type": "string"},
                "dead_lettered_at": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListDeadLettersResponse": {
            "type": "object",
            "properties": {
                "dead_letters": {"type": "array", "items": {"$ref": "#/definitions/handlers.DeadLetterItem"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.RedriveResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "redriven"},
                "message_id": {"type": "integer"},
                "order_id": {"type": "string"}
            }
        },
        "repo.QueueStats": {
            "type": "object",
            "properties": {
                "depth": {"type": "integer"},
                "in_flight": {"type": "integer"},
                "dead_letters": {"type": "integer"},
                "oldest_visible_at": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Order Pipeline API",
	Description:      "At-least-once order ingestion with idempotent processing.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
