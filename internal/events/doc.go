// Package events publishes operational events such as configuration changes
// and completed council fan-outs to an in-memory buffer, a Redis list or a
// RabbitMQ queue.
package events
