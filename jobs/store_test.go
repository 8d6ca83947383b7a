package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"
)

func TestPutTake(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop().Sugar())
	test.That(t, err, test.ShouldBeNil)

	id, err := s.Put([]byte("payload"), true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, id, test.ShouldNotBeEmpty)
	test.That(t, s.Len(), test.ShouldEqual, 1)

	// the payload sits on disk until consumed
	_, err = os.Stat(filepath.Join(dir, id))
	test.That(t, err, test.ShouldBeNil)

	data, isImage, err := s.Take(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "payload")
	test.That(t, isImage, test.ShouldBeTrue)
	test.That(t, s.Len(), test.ShouldEqual, 0)

	// consumed entries leave no file behind
	_, err = os.Stat(filepath.Join(dir, id))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestTakeIsSingleUse(t *testing.T) {
	s, err := NewStore(t.TempDir(), zap.NewNop().Sugar())
	test.That(t, err, test.ShouldBeNil)

	id, err := s.Put([]byte("once"), false)
	test.That(t, err, test.ShouldBeNil)

	_, _, err = s.Take(id)
	test.That(t, err, test.ShouldBeNil)

	_, _, err = s.Take(id)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestTakeUnknownID(t *testing.T) {
	s, err := NewStore(t.TempDir(), zap.NewNop().Sugar())
	test.That(t, err, test.ShouldBeNil)

	_, _, err = s.Take("no-such-job")
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestIDsAreUnique(t *testing.T) {
	s, err := NewStore(t.TempDir(), zap.NewNop().Sugar())
	test.That(t, err, test.ShouldBeNil)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := s.Put([]byte("x"), false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, seen[id], test.ShouldBeFalse)
		seen[id] = true
	}
}
