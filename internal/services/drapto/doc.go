// Package drapto integrates the Drapto Go library so the export step can
// write an AV1 archive master next to the delivery encode.
package drapto
