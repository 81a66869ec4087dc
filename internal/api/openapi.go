package api

import "net/http"

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.authEnabled()))
}

// buildOpenAPIDoc describes the status API as an OpenAPI 3.1 document.
func buildOpenAPIDoc(secured bool) map[string]any {
	errorResponses := func(codes ...string) map[string]any {
		out := map[string]any{}
		for _, c := range codes {
			out[c] = map[string]any{"$ref": "#/components/responses/Error"}
		}
		return out
	}
	operation := func(id, summary string, params []any, extra map[string]any) map[string]any {
		responses := map[string]any{"200": map[string]any{"description": "OK"}}
		for k, v := range extra {
			responses[k] = v
		}
		op := map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses":   responses,
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if secured {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		return op
	}
	queryInt := func(name, desc string) map[string]any {
		return map[string]any{
			"name": name, "in": "query", "required": false, "description": desc,
			"schema": map[string]any{"type": "integer", "minimum": 1},
		}
	}

	authErrors := map[string]any{}
	if secured {
		authErrors = errorResponses("401", "403")
	}
	merge := func(maps ...map[string]any) map[string]any {
		out := map[string]any{}
		for _, m := range maps {
			for k, v := range m {
				out[k] = v
			}
		}
		return out
	}

	healthz := operation("healthz", "Process health and session counts", nil, nil)
	delete(healthz, "security")

	paths := map[string]any{
		"/healthz": map[string]any{"get": healthz},
		"/sessions": map[string]any{
			"get": operation("listSessions", "Status of every session", nil, authErrors),
		},
		"/sessions/{list}/dispatches": map[string]any{
			"get": operation("listDispatches", "Recent dispatches of one connection",
				[]any{
					map[string]any{"name": "list", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
					queryInt("limit", "Maximum number of entries, newest first"),
				},
				merge(authErrors, errorResponses("400", "404"))),
		},
		"/events": map[string]any{
			"get": operation("listEvents", "Buffered session and dispatch events",
				[]any{queryInt("since", "Only events with a greater id")}, authErrors),
		},
		"/events/stream": map[string]any{
			"get": operation("streamEvents", "Server-sent event stream",
				[]any{queryInt("since", "Resume after this event id")}, authErrors),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "topicexec status API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"responses": map[string]any{
				"Error": map[string]any{
					"description": "Error",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"type":       "object",
								"properties": map[string]any{"error": map[string]any{"type": "string"}},
							},
						},
					},
				},
			},
		},
	}
}
