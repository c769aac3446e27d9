// Package api exposes the engine's operational HTTP surface: health,
// processor statistics, task status lookups and error-handler controls.
// It acts as an adapter between operators and the in-process engine,
// translating HTTP concerns to engine calls.
package api
