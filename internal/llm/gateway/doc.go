// Package gateway queries council models through an OpenAI-compatible
// gateway, one model at a time or fanned out in parallel.
package gateway
