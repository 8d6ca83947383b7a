package adapter

// matchIOU is the minimum overlap for a detection to inherit an identity
// from the previous frame.
const matchIOU = 0.3

type trackedBox struct {
	id  int
	box Box
}

// iouTracker carries object identities across frames by greedy IOU matching
// against the previous frame's boxes. It is the persistence behind the
// Persist config flag and is why Track calls must be serialized.
type iouTracker struct {
	nextID int
	prev   []trackedBox
}

func newIOUTracker() *iouTracker {
	return &iouTracker{nextID: 1}
}

// assign stamps every detection with a track id, reusing the previous
// frame's id for the best-overlapping unclaimed box.
func (t *iouTracker) assign(dets Detections) {
	claimed := make([]bool, len(t.prev))

	for i := range dets {
		best := -1
		bestIOU := matchIOU
		for j, p := range t.prev {
			if claimed[j] {
				continue
			}
			if iou := dets[i].Box.IOU(p.box); iou >= bestIOU {
				best = j
				bestIOU = iou
			}
		}
		if best >= 0 {
			dets[i].TrackID = t.prev[best].id
			claimed[best] = true
			continue
		}
		dets[i].TrackID = t.nextID
		t.nextID++
	}

	t.prev = t.prev[:0]
	for _, d := range dets {
		t.prev = append(t.prev, trackedBox{id: d.TrackID, box: d.Box})
	}
}

// reset drops all identity state, e.g. between unrelated streams.
func (t *iouTracker) reset() {
	t.prev = nil
}
