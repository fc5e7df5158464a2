package raster

// Quality tags every pixel of the assembled output with how far its value can be
// trusted.
type Quality uint8

// The numeric order of the values below is also their severity order; when several
// tiles contribute to a pixel the most severe tag is kept.
const (
	// QualityNoData marks pixels without valid input or without a connected
	// component assignment.
	QualityNoData Quality = iota
	QualityOK
	// QualityLowConfidence marks pixels of tiles whose cycle offset could not be
	// tied to the primary component or the coarse reference.
	QualityLowConfidence
	// QualityUnresolvedSeam marks overlap pixels of edges that remained
	// inconsistent after offsets were assigned.
	QualityUnresolvedSeam
	// QualityFailedTile marks pixels covered only by tiles whose unwrap failed.
	QualityFailedTile
)

func (q Quality) String() string {
	switch q {
	case QualityNoData:
		return "nodata"
	case QualityOK:
		return "ok"
	case QualityLowConfidence:
		return "low-confidence-offset"
	case QualityUnresolvedSeam:
		return "unresolved-seam"
	case QualityFailedTile:
		return "failed-tile"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of two tags.
func (q Quality) Worse(o Quality) Quality {
	if o > q {
		return o
	}
	return q
}
