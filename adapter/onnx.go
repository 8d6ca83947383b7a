package adapter

import (
	"bufio"
	"image"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultClassCount = 80
	maskCoeffCount    = 32
	maskThreshold     = 0.5
	// minimum overlap between a proposal box and a mask candidate for the
	// candidate to be accepted as that proposal's segmentation
	proposalMatchIOU = 0.25
)

// predictionCount is the number of anchor-free candidate slots a YOLO-style
// head emits for a square input (strides 8, 16 and 32).
func predictionCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		n += side * side
	}
	return n
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func newONNXSession(modelPath string, inputSize int, outputNames []string, outputShapes []ort.Shape) (*onnxSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputShape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	outputs := make([]*ort.Tensor[float32], 0, len(outputShapes))
	arbitrary := make([]ort.ArbitraryTensor, 0, len(outputShapes))
	destroyAll := func() {
		inputTensor.Destroy()
		for _, t := range outputs {
			t.Destroy()
		}
	}
	for _, shape := range outputShapes {
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			destroyAll()
			return nil, errors.Wrap(err, "creating output tensor")
		}
		outputs = append(outputs, t)
		arbitrary = append(arbitrary, t)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		outputNames,
		[]ort.ArbitraryTensor{inputTensor},
		arbitrary,
		options,
	)
	if err != nil {
		destroyAll()
		return nil, errors.Wrap(err, "creating session")
	}

	return &onnxSession{session: session, input: inputTensor, outputs: outputs}, nil
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return []float32(nil)
	},
}

// fillInput resizes the frame to the model's square input and writes CHW
// float data into the session's input tensor. The scratch buffer comes from
// a pool and is returned after the copy so long streams do not accumulate
// per-frame allocations.
func fillInput(img image.Image, dst *ort.Tensor[float32], inputSize int) {
	resized := imaging.Resize(img, inputSize, inputSize, imaging.Linear)
	channelSize := inputSize * inputSize

	buffer, _ := bufferPool.Get().([]float32)
	if len(buffer) < channelSize*3 {
		buffer = make([]float32, channelSize*3)
	}
	for y := 0; y < inputSize; y++ {
		offset := y * inputSize
		for x := 0; x < inputSize; x++ {
			i := offset + x
			r, g, b, _ := resized.At(x, y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
	copy(dst.GetData(), buffer[:channelSize*3])
	bufferPool.Put(buffer) //nolint:staticcheck
}

// loadLabels reads the class taxonomy from a names sidecar next to the
// artifact, one label per line. Missing sidecars are not an error; labels
// fall back to synthesized class names.
func loadLabels(modelPath string) map[int]string {
	labels := map[int]string{}
	for _, name := range []string{"classes.txt", "names.txt"} {
		f, err := os.Open(filepath.Join(filepath.Dir(modelPath), name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		i := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			labels[i] = line
			i++
		}
		f.Close()
		break
	}
	return labels
}

// ONNXDetector runs a YOLO-style detection model through onnxruntime with a
// fixed Config and carries track identities across frames.
type ONNXDetector struct {
	cfg      Config
	labels   map[int]string
	classes  int
	preds    int
	sess     *onnxSession
	tracker  *iouTracker
	closedMu sync.Mutex
	closed   bool
}

// NewONNXDetector loads the artifact at modelPath and prepares a reusable
// inference session sized for cfg.ImageSize.
func NewONNXDetector(modelPath string, cfg Config) (*ONNXDetector, error) {
	labels := loadLabels(modelPath)
	classes := len(labels)
	if classes == 0 {
		classes = defaultClassCount
	}
	preds := predictionCount(cfg.ImageSize)

	sess, err := newONNXSession(
		modelPath,
		cfg.ImageSize,
		[]string{"output0"},
		[]ort.Shape{ort.NewShape(1, int64(4+classes), int64(preds))},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "detector %q", modelPath)
	}

	return &ONNXDetector{
		cfg:     cfg,
		labels:  labels,
		classes: classes,
		preds:   preds,
		sess:    sess,
		tracker: newIOUTracker(),
	}, nil
}

// Track runs one forward pass and returns the tracked detections for the
// frame. Not safe for concurrent use.
func (d *ONNXDetector) Track(img image.Image) (Detections, error) {
	fillInput(img, d.sess.input, d.cfg.ImageSize)
	if err := d.sess.session.Run(); err != nil {
		return nil, errors.Wrap(err, "detector inference")
	}

	bounds := img.Bounds()
	dets := decodeDetections(
		d.sess.outputs[0].GetData(),
		d.classes, d.preds, d.cfg.ImageSize,
		bounds.Dx(), bounds.Dy(),
		d.cfg.Conf,
	)
	for i := range dets {
		dets[i].Label = d.labelFor(dets[i].ClassID)
	}
	dets = nonMaxSuppression(dets, d.cfg.IOU, d.cfg.AgnosticNMS)
	if d.cfg.Persist {
		d.tracker.assign(dets)
	}
	return dets, nil
}

func (d *ONNXDetector) labelFor(classID int) string {
	if label, ok := d.labels[classID]; ok {
		return label
	}
	return "class_" + strconv.Itoa(classID)
}

// Labels returns the model's class taxonomy.
func (d *ONNXDetector) Labels() map[int]string {
	return d.labels
}

// Reclaim drops tracker history between streams.
func (d *ONNXDetector) Reclaim() {
	d.tracker.reset()
}

// Close releases the session and its tensors. Idempotent.
func (d *ONNXDetector) Close() error {
	d.closedMu.Lock()
	defer d.closedMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.sess.destroy()
	return nil
}

// decodeDetections converts a raw [4+classes][preds] output tensor into
// detections in original-image coordinates. Candidate boxes come out in
// input-pixel units (cx, cy, w, h) and are rescaled the way the model input
// was produced: independent x/y scale, clamped to the frame.
func decodeDetections(data []float32, classes, preds, inputSize, origW, origH int, confThreshold float64) Detections {
	scaleX := float64(origW) / float64(inputSize)
	scaleY := float64(origH) / float64(inputSize)

	var dets Detections
	for i := 0; i < preds; i++ {
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < classes; c++ {
			if score := data[(4+c)*preds+i]; score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || float64(bestScore) < confThreshold {
			continue
		}

		cx := float64(data[i])
		cy := float64(data[preds+i])
		w := float64(data[2*preds+i])
		h := float64(data[3*preds+i])

		dets = append(dets, Detection{
			ClassID:    bestClass,
			Confidence: float64(bestScore),
			Box: Box{
				X1: maxF(0, (cx-w/2)*scaleX),
				Y1: maxF(0, (cy-h/2)*scaleY),
				X2: minF(float64(origW), (cx+w/2)*scaleX),
				Y2: minF(float64(origH), (cy+h/2)*scaleY),
			},
		})
	}
	return dets
}

// nonMaxSuppression keeps the highest-confidence box of every overlapping
// cluster. Suppression is per class unless classAgnostic is set.
func nonMaxSuppression(dets Detections, iouThreshold float64, classAgnostic bool) Detections {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := dets[:0:0]
	for _, cand := range dets {
		suppressed := false
		for _, k := range kept {
			if !classAgnostic && k.ClassID != cand.ClassID {
				continue
			}
			if k.Box.IOU(cand.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// ONNXSegmenter runs a SAM-style segmentation model whose mask head emits
// prototype masks plus per-candidate coefficients. Proposal boxes from a
// prior detection pass seed which candidates become masks.
type ONNXSegmenter struct {
	cfg     Config
	preds   int
	protoW  int
	protoH  int
	sess    *onnxSession
	tracker *iouTracker
	mu      sync.Mutex
	closed  bool
}

// NewONNXSegmenter loads a segmentation artifact. The model is expected to
// expose the detection head as output0 and mask prototypes as output1.
func NewONNXSegmenter(modelPath string, cfg Config) (*ONNXSegmenter, error) {
	preds := predictionCount(cfg.ImageSize)
	proto := cfg.ImageSize / 4

	sess, err := newONNXSession(
		modelPath,
		cfg.ImageSize,
		[]string{"output0", "output1"},
		[]ort.Shape{
			// single foreground class plus mask coefficients
			ort.NewShape(1, int64(4+1+maskCoeffCount), int64(preds)),
			ort.NewShape(1, maskCoeffCount, int64(proto), int64(proto)),
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "segmenter %q", modelPath)
	}

	return &ONNXSegmenter{
		cfg:     cfg,
		preds:   preds,
		protoW:  proto,
		protoH:  proto,
		sess:    sess,
		tracker: newIOUTracker(),
	}, nil
}

// Track segments the regions named by the proposal boxes. It never runs
// standalone; with no proposals there is nothing to segment.
func (s *ONNXSegmenter) Track(img image.Image, proposals []Box) (Detections, error) {
	if len(proposals) == 0 {
		return nil, nil
	}

	fillInput(img, s.sess.input, s.cfg.ImageSize)
	if err := s.sess.session.Run(); err != nil {
		return nil, errors.Wrap(err, "segmenter inference")
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	head := s.sess.outputs[0].GetData()
	protos := s.sess.outputs[1].GetData()

	candidates := s.decodeCandidates(head, origW, origH)

	dets := make(Detections, 0, len(proposals))
	for _, proposal := range proposals {
		det := Detection{
			ClassID:    0,
			Label:      "object",
			Confidence: 1,
			Box:        proposal,
		}
		if idx := bestCandidate(candidates, proposal); idx >= 0 {
			det.Confidence = candidates[idx].det.Confidence
			det.Box = candidates[idx].det.Box
			det.Mask = s.tracePolygon(head, protos, candidates[idx].slot, det.Box, origW, origH)
		}
		if det.Mask == nil {
			// coarse fallback: the proposal rectangle itself
			det.Mask = [][2]float64{
				{det.Box.X1, det.Box.Y1},
				{det.Box.X2, det.Box.Y1},
				{det.Box.X2, det.Box.Y2},
				{det.Box.X1, det.Box.Y2},
			}
		}
		dets = append(dets, det)
	}

	if s.cfg.Persist {
		s.tracker.assign(dets)
	}
	return dets, nil
}

// maskCandidate pairs a decoded box with its head-tensor column, the only
// link between the detection head and its mask coefficients.
type maskCandidate struct {
	det  Detection
	slot int
}

// decodeCandidates decodes the single-class segmentation head, keeping the
// tensor column of every candidate that clears the confidence threshold.
func (s *ONNXSegmenter) decodeCandidates(head []float32, origW, origH int) []maskCandidate {
	scaleX := float64(origW) / float64(s.cfg.ImageSize)
	scaleY := float64(origH) / float64(s.cfg.ImageSize)

	var candidates []maskCandidate
	for i := 0; i < s.preds; i++ {
		score := float64(head[4*s.preds+i])
		if score < s.cfg.Conf {
			continue
		}
		cx := float64(head[i])
		cy := float64(head[s.preds+i])
		w := float64(head[2*s.preds+i])
		h := float64(head[3*s.preds+i])
		candidates = append(candidates, maskCandidate{
			det: Detection{
				Confidence: score,
				Box: Box{
					X1: maxF(0, (cx-w/2)*scaleX),
					Y1: maxF(0, (cy-h/2)*scaleY),
					X2: minF(float64(origW), (cx+w/2)*scaleX),
					Y2: minF(float64(origH), (cy+h/2)*scaleY),
				},
			},
			slot: i,
		})
	}
	return candidates
}

// bestCandidate returns the index of the candidate whose box overlaps the
// proposal most, or -1 when nothing clears the match threshold.
func bestCandidate(candidates []maskCandidate, proposal Box) int {
	best := -1
	bestIOU := proposalMatchIOU
	for i, c := range candidates {
		if iou := c.det.Box.IOU(proposal); iou >= bestIOU {
			best = i
			bestIOU = iou
		}
	}
	return best
}

// tracePolygon composes the candidate's mask from the prototype stack and
// walks its row extents inside the box, producing a closed polygon in
// original-image coordinates.
func (s *ONNXSegmenter) tracePolygon(head, protos []float32, slot int, box Box, origW, origH int) [][2]float64 {
	if slot < 0 {
		return nil
	}

	protoArea := s.protoW * s.protoH
	coeffs := make([]float64, maskCoeffCount)
	for k := 0; k < maskCoeffCount; k++ {
		coeffs[k] = float64(head[(5+k)*s.preds+slot])
	}

	// proto grid covers the model input; map original coords through the
	// input scale and the 4x prototype downsample
	toProtoX := float64(s.protoW) / float64(origW)
	toProtoY := float64(s.protoH) / float64(origH)
	fromProtoX := 1 / toProtoX
	fromProtoY := 1 / toProtoY

	px1 := clampInt(int(box.X1*toProtoX), 0, s.protoW-1)
	px2 := clampInt(int(box.X2*toProtoX), 0, s.protoW-1)
	py1 := clampInt(int(box.Y1*toProtoY), 0, s.protoH-1)
	py2 := clampInt(int(box.Y2*toProtoY), 0, s.protoH-1)

	maskAt := func(x, y int) float64 {
		sum := 0.0
		for k := 0; k < maskCoeffCount; k++ {
			sum += coeffs[k] * float64(protos[k*protoArea+y*s.protoW+x])
		}
		return 1 / (1 + math.Exp(-sum))
	}

	type extent struct{ y, left, right int }
	var rows []extent
	for y := py1; y <= py2; y++ {
		left, right := -1, -1
		for x := px1; x <= px2; x++ {
			if maskAt(x, y) >= maskThreshold {
				if left < 0 {
					left = x
				}
				right = x
			}
		}
		if left >= 0 {
			rows = append(rows, extent{y: y, left: left, right: right})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	polygon := make([][2]float64, 0, 2*len(rows))
	for _, r := range rows {
		polygon = append(polygon, [2]float64{float64(r.left) * fromProtoX, float64(r.y) * fromProtoY})
	}
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		polygon = append(polygon, [2]float64{float64(r.right) * fromProtoX, float64(r.y) * fromProtoY})
	}
	return polygon
}

// Labels returns the segmenter's single-class taxonomy.
func (s *ONNXSegmenter) Labels() map[int]string {
	return map[int]string{0: "object"}
}

// Reclaim drops tracker history between streams.
func (s *ONNXSegmenter) Reclaim() {
	s.tracker.reset()
}

// Close releases the session and its tensors. Idempotent.
func (s *ONNXSegmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.sess.destroy()
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
