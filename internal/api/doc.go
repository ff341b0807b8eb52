// Package api exposes the engine over HTTP.
//
// Routes:
//
//	POST /api/intent/submit                          submit an intent (202)
//	GET  /api/execution/{id}/status                  bounded status read, scoped by X-Tenant-ID
//	GET  /api/artifact/{id}                          scoped by X-Tenant-ID / X-Session-ID
//	GET  /api/artifact/{id}/lineage?direction=       ancestors or descendants
//	POST /api/artifact/{id}/terminate                ACTIVE -> TERMINATED
//	GET  /api/events/{group}/{tenant}/{date}?max=N   consumer-group read
//	POST /api/events/{group}/{tenant}/{date}/ack     {"offset": N}
//	GET  /health
//
// Engine errors map to status codes by their code: VALIDATION_ERROR 400,
// NOT_FOUND 404, HANDLER_ERROR 502, DURABILITY_FAILURE 503, TIMEOUT 504.
package api
