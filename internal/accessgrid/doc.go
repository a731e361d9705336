// Package accessgrid reads and writes access grids: gzip-compressed, little-endian,
// per-origin delta-coded sample vectors over a Web Mercator extent.
//
// Layout after decompression:
//
//	"ACCESSGR" | version | zoom | west | north | width | height | nSamples |
//	width*height records of nSamples int32 deltas, row-major by y then x
//
// A single origin travels between pipeline stages as an uncompressed origin record:
//
//	"ORIGIN" | version | x | y | nSamples | nSamples int32 deltas
package accessgrid
