package timeline

import "github.com/nfrund/chatsync/internal/models"

// HeightFunc measures how tall a message renders.
type HeightFunc func(models.MessageRecord) float64

// Viewport tracks the scroll position of a rendered timeline, measured from
// the top of the content.
type Viewport struct {
	ScrollTop float64
	// TopThreshold is how close to the top counts as reaching it.
	TopThreshold float64
}

// NearTop reports whether the next history page should be requested.
func (v *Viewport) NearTop() bool {
	return v.ScrollTop <= v.TopThreshold
}

// CompensatePrepend shifts the scroll offset by the height of content added
// above the viewport so the messages on screen stay where they were.
func (v *Viewport) CompensatePrepend(added []models.MessageRecord, height HeightFunc) float64 {
	var delta float64
	for _, rec := range added {
		delta += height(rec)
	}
	v.ScrollTop += delta
	return delta
}

// OffsetOf returns the content offset of the message with id, or -1.
func OffsetOf(recs []models.MessageRecord, id string, height HeightFunc) float64 {
	var off float64
	for _, rec := range recs {
		if rec.ID == id {
			return off
		}
		off += height(rec)
	}
	return -1
}
