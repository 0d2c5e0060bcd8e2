// Package api serves the sitepipe HTTP surface: site admission, status
// queries, health and metrics.
//
// Routes:
//
//	GET  /healthz             store and stage plugin health
//	GET  /api/summary         site counts per stage and per derived state
//	GET  /api/sites           site list, optionally ?stage=ocr&stage=compile&limit=N
//	GET  /api/sites/{id}      one site
//	POST /api/sites           admit a site: {"id": "...", "source": "..."}
//	GET  /api/jobs            dispatch queue counts per status
//	GET  /api/logs            daemon log tail, ?offset=N&limit=N&site=ID
//
// Every /api route requires the configured bearer token when one is set.
// Status reads never write to the store.
package api
