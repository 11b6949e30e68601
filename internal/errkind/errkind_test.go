package errkind

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(SchemaInvalid, "missing entity id field")
	assert.Equal(t, "SchemaInvalid: missing entity id field", plain.Error())

	wrapped := Wrap(StorageUnavailable, "insert indexer_asset", errors.New("connection reset"))
	assert.Equal(t, "StorageUnavailable: insert indexer_asset: connection reset", wrapped.Error())
	assert.Equal(t, "connection reset", errors.Unwrap(wrapped).Error())
}

func TestTransient(t *testing.T) {
	assert.True(t, StorageUnavailable.Transient())
	assert.True(t, NodeUnavailable.Transient())
	assert.False(t, AlreadyExists.Transient())
	assert.False(t, ModuleTrap.Transient())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		AlreadyExists:      http.StatusConflict,
		NotFound:           http.StatusNotFound,
		SchemaInvalid:      http.StatusUnprocessableEntity,
		ModuleLoad:         http.StatusUnprocessableEntity,
		ModuleTrap:         http.StatusInternalServerError,
		StorageUnavailable: http.StatusServiceUnavailable,
		NodeUnavailable:    http.StatusServiceUnavailable,
		Unknown:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), "kind=%s", kind)
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain error")))
}

func TestAsAndIs(t *testing.T) {
	err := fmtWrap(Wrap(NotFound, "uid ns.idx", nil))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, e.Kind)

	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, AlreadyExists))
}

// fmtWrap simulates an extra layer of wrapping that a caller might add.
func fmtWrap(err error) error {
	return errors.Join(err)
}
