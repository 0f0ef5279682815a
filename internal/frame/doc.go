// Package frame owns the raster data model shared by every stage of the
// motion amplification pipeline.
//
// Responsibilities: the RGBA Frame and its shape invariant, ordered
// Sequences of frames with matching dimensions, the Rect region of
// interest, and conversion between frames and image.Image values.
// Extraction from image sequences on disk and PNG export live here too,
// since they only translate between files and frames.
//
// Frames handed to a processing run are treated as read-only. Code that
// needs to modify pixels works on a Clone.
package frame
