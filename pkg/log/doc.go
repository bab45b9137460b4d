// Package log provides zerolog-based structured logging shared by every
// conductor package. A single global Logger is initialized once via Init;
// callers derive scoped child loggers with WithComponent, WithNodeID, and
// WithTaskID rather than threading a logger through every call.
package log
