// Package contract loads intent contracts written in CUE.
//
// A contract declares, per intent type, the schema its parameters must
// satisfy and whether repeated submissions collapse onto one execution:
//
//	intent: ingest_file: {
//		idempotent: true
//		timeout:    "30s"
//		parameters: {
//			uri:     string & =~"^[a-z0-9]+://"
//			format?: "csv" | "parquet" | "json"
//		}
//	}
//
// Parameters not declared in the schema are rejected unless the contract
// sets allow_extra. Intent types without a contract pass validation
// unchanged; the handler registry remains the authority on which types
// exist.
package contract
