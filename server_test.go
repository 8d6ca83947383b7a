package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/vistream/detection-relay/adapter"
	"github.com/vistream/detection-relay/engine"
	"github.com/vistream/detection-relay/jobs"
	"github.com/vistream/detection-relay/pubsub"
	"github.com/vistream/detection-relay/registry"
	"github.com/vistream/detection-relay/settings"
	"github.com/vistream/detection-relay/supervisor"
)

type stubDetector struct{}

func (stubDetector) Track(image.Image) (adapter.Detections, error) {
	return adapter.Detections{{
		TrackID: 1, ClassID: 0, Label: "thing", Confidence: 0.9,
		Box: adapter.Box{X1: 2, Y1: 2, X2: 20, Y2: 20},
	}}, nil
}

func (stubDetector) Labels() map[int]string { return map[int]string{0: "thing"} }

func (stubDetector) Close() error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	root := t.TempDir()
	artifact := filepath.Join(root, "detector", "a.onnx")
	test.That(t, os.MkdirAll(filepath.Dir(artifact), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(artifact, []byte("w"), 0o644), test.ShouldBeNil)

	logger := zap.NewNop().Sugar()
	reg := registry.New(root, logger)
	test.That(t, reg.Refresh(), test.ShouldBeNil)

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { store.Close() })

	jobStore, err := jobs.NewStore(t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)

	hub := pubsub.NewHub(logger)
	sup := supervisor.New(
		reg, store, hub, adapter.DefaultConfig(),
		func(registry.Handle, adapter.Config) (adapter.Detector, error) {
			return stubDetector{}, nil
		},
		func(registry.Handle, adapter.Config) (adapter.Segmenter, error) {
			return nil, nil
		},
		logger,
		engine.WithTempDir(t.TempDir()),
	)
	t.Cleanup(sup.Clear)

	srv := httptest.NewServer(newServer(reg, jobStore, sup, hub, logger).routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&body), test.ShouldBeNil)
	return body
}

// uploadFile posts a multipart upload with the given part content type and
// returns the response.
func uploadFile(t *testing.T, url string, payload []byte, mimetype string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="video_source"; filename="upload"`)
	hdr.Set("Content-Type", mimetype)
	part, err := mw.CreatePart(hdr)
	test.That(t, err, test.ShouldBeNil)
	_, err = part.Write(payload)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), &buf)
	test.That(t, err, test.ShouldBeNil)
	return resp
}

func mjpegPayload(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	colors := []color.RGBA{{R: 255, A: 255}, {G: 255, A: 255}, {B: 255, A: 255}}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 24, 24))
		c := colors[i%len(colors)]
		for y := 0; y < 24; y++ {
			for x := 0; x < 24; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		test.That(t, jpeg.Encode(&buf, img, nil), test.ShouldBeNil)
	}
	return buf.Bytes()
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/list_models")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	body := decodeBody(t, resp)
	test.That(t, body["detection_models"], test.ShouldResemble, []interface{}{"detector/a.onnx"})
	test.That(t, body["segmentation_models"], test.ShouldBeEmpty)
}

func TestSetModelsValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/set_models", map[string]string{})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/set_models", map[string]string{"detector": "detector/ghost.onnx"})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	body := decodeBody(t, resp)
	test.That(t, body["code"], test.ShouldEqual, "invalid_model")

	resp = postJSON(t, srv.URL+"/set_models", map[string]string{"detector": "detector/a.onnx"})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	resp.Body.Close()
}

func TestUploadUnsupportedMedia(t *testing.T) {
	srv := newTestServer(t)
	resp := uploadFile(t, srv.URL, []byte("%PDF-1.4 ..."), "application/pdf")
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusUnsupportedMediaType)
	body := decodeBody(t, resp)
	test.That(t, body["code"], test.ShouldEqual, "unsupported_media")
}

func TestStartUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/start_process", map[string]interface{}{"file_key": "no-such-key"})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	resp.Body.Close()
}

// TestStartWithoutConfiguredModel verifies that a start attempt against an
// unconfigured service rejects without consuming the cached upload, so the
// same file key succeeds once models are selected.
func TestStartWithoutConfiguredModel(t *testing.T) {
	srv := newTestServer(t)

	resp := uploadFile(t, srv.URL, mjpegPayload(t, 1), "video/x-motion-jpeg")
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	key := decodeBody(t, resp)["file_key"].(string)

	resp = postJSON(t, srv.URL+"/start_process", map[string]interface{}{"file_key": key})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	body := decodeBody(t, resp)
	test.That(t, body["code"], test.ShouldEqual, "not_configured")

	resp = postJSON(t, srv.URL+"/set_models", map[string]string{"detector": "detector/a.onnx"})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/start_process", map[string]interface{}{"file_key": key})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	resp.Body.Close()
}

// TestProcessVideoScenario drives the full relay path: upload a 3-frame
// synthetic video, join its channel, start processing, and stream results
// until the terminal message.
func TestProcessVideoScenario(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/set_models", map[string]string{"detector": "detector/a.onnx"})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	resp.Body.Close()

	resp = uploadFile(t, srv.URL, mjpegPayload(t, 3), "video/x-motion-jpeg")
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	key := decodeBody(t, resp)["file_key"].(string)
	test.That(t, key, test.ShouldNotBeEmpty)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	test.That(t, err, test.ShouldBeNil)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	test.That(t, conn.WriteJSON(map[string]string{"join": key}), test.ShouldBeNil)

	var joined pubsub.Event
	test.That(t, conn.ReadJSON(&joined), test.ShouldBeNil)
	test.That(t, joined.Kind, test.ShouldEqual, "joined")

	resp = postJSON(t, srv.URL+"/start_process", map[string]interface{}{"file_key": key, "is_image": false})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	resp.Body.Close()

	var kinds []string
	deadline := time.Now().Add(10 * time.Second)
	for {
		test.That(t, conn.SetReadDeadline(deadline), test.ShouldBeNil)
		var ev pubsub.Event
		test.That(t, conn.ReadJSON(&ev), test.ShouldBeNil)
		kinds = append(kinds, ev.Kind)
		if ev.Kind == pubsub.EventComplete || ev.Kind == pubsub.EventFailed {
			break
		}
	}

	want := []string{
		pubsub.EventFrame, pubsub.EventDetectionFrame, pubsub.EventDetectionJSON,
		pubsub.EventFrame, pubsub.EventDetectionFrame, pubsub.EventDetectionJSON,
		pubsub.EventFrame, pubsub.EventDetectionFrame, pubsub.EventDetectionJSON,
		pubsub.EventComplete,
	}
	test.That(t, kinds, test.ShouldResemble, want)

	// the job is single-use: starting it again fails
	resp = postJSON(t, srv.URL+"/start_process", map[string]interface{}{"file_key": key})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	resp.Body.Close()
}

// TestJoinUnknownChannel verifies that clients cannot camp on channels the
// server never issued.
func TestJoinUnknownChannel(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	test.That(t, err, test.ShouldBeNil)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	test.That(t, conn.WriteJSON(map[string]string{"join": "made-up-channel"}), test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	var body map[string]interface{}
	test.That(t, conn.ReadJSON(&body), test.ShouldBeNil)
	test.That(t, body["code"], test.ShouldEqual, "unknown_channel")
}
