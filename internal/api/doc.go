// Package api exposes the council configuration, the gateway model list and
// the parallel council query over HTTP.
package api
