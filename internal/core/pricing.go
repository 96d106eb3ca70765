package core

import "unicode/utf8"

const SegmentSize = 160 // characters per billable SMS segment

// Segments is the number of 160-character segments body occupies, at
// least one.
func Segments(body string) int {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 1
	}
	return (n + SegmentSize - 1) / SegmentSize
}

// Multiplier is the per-segment credit price for a source. Direct sends pay
// one credit, bulk and generated sends pay two.
func Multiplier(src Source) int {
	switch src {
	case SourceDrip, SourceCampaign, SourceBulk:
		return 2
	}
	return 1
}

// Cost prices a message. Email is billed as a single segment.
func Cost(ch Channel, body string, src Source) (cost, segments int) {
	segments = 1
	if ch == ChannelSMS {
		segments = Segments(body)
	}
	return segments * Multiplier(src), segments
}
