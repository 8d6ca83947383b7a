package settings

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadBeforeSave(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)

	want := Settings{Detector: "run1/best.onnx", Segmenter: "segmenter/sam.onnx"}
	test.That(t, s.Save(want), test.ShouldBeNil)

	got, ok, err := s.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldResemble, want)
}

func TestSaveReplaces(t *testing.T) {
	s := openTestStore(t)

	test.That(t, s.Save(Settings{Detector: "a", Segmenter: "seg"}), test.ShouldBeNil)
	test.That(t, s.Save(Settings{Detector: "b"}), test.ShouldBeNil)

	got, ok, err := s.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	// whole-row replacement: the old segmenter must not linger
	test.That(t, got, test.ShouldResemble, Settings{Detector: "b"})
}
