// Package mediatypes provides shared type definitions for the media delivery engine.
//
// This package exists as a dependency-free foundation that can be imported by other
// packages without creating import cycles. It contains value types, constants, and
// pure helpers with no dependencies beyond the standard library.
//
// # Serving Decisions
//
// A StreamDecision names one of three actions:
//
//	mediatypes.ActionDirect    // serve the source bytes as-is
//	mediatypes.ActionRemux     // repackage into MP4, no re-encode
//	mediatypes.ActionTranscode // re-encode to H.264/AAC
//
// # Cache Keys
//
// A CacheKey is (media id, kind, quality). Remux keys carry no quality:
//
//	mediatypes.RemuxKey(id)
//	mediatypes.TranscodeKey(id, mediatypes.QualityMedium)
//
// KeysFor returns every key that can exist for one media id, which is what
// invalidation iterates over.
//
// # Quality Levels
//
// High, Medium and Low carry a fixed QualityProfile (max short side, video and
// audio bitrate). Original has no profile and is never cached as a transcode.
package mediatypes
