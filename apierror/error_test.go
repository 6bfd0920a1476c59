package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qres/go-qres/apierror"
)

func TestNew(t *testing.T) {
	err := apierror.New(errors.New("test error"), 0)
	require.Equal(t, "test error", err.Error())

	err = apierror.New(nil, http.StatusNotFound)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusNotFound, http.StatusText(http.StatusNotFound)), err.Error())

	err = apierror.New(nil, 0)
	require.Equal(t, "", err.Error())

	err = apierror.New(nil, 999)
	require.Equal(t, "999", err.Error())
}

func TestFromResponse(t *testing.T) {
	err := apierror.FromResponse(0, []byte(" hello world\n"))
	require.Equal(t, "hello world", err.Error())

	err = apierror.FromResponse(http.StatusTeapot, []byte(" hello world\n"))
	require.Equal(t, "hello world", err.Error())

	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusTeapot, ae.Status())

	err = apierror.FromResponse(http.StatusTeapot, nil)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusTeapot, http.StatusText(http.StatusTeapot)), err.Error())
}

func TestFromResponseJSONBody(t *testing.T) {
	body := []byte(`{"Message":"resource not found","Status":404}`)
	err := apierror.FromResponse(0, body)
	require.Equal(t, "resource not found", err.Error())

	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, ae.Status())

	// Explicit status wins over the body's.
	err = apierror.FromResponse(http.StatusBadGateway, body)
	ae, ok = err.(*apierror.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusBadGateway, ae.Status())
}

func TestIsNotFound(t *testing.T) {
	err := apierror.New(errors.New("gone"), http.StatusNotFound)
	require.True(t, apierror.IsNotFound(err))
	require.True(t, apierror.IsNotFound(fmt.Errorf("fetch failed: %w", err)))

	require.False(t, apierror.IsNotFound(apierror.New(nil, http.StatusInternalServerError)))
	require.False(t, apierror.IsNotFound(errors.New("gone")))
}

func TestUnwrap(t *testing.T) {
	errEOF := errors.New("end of file")
	err := apierror.New(errEOF, 0)
	require.ErrorIs(t, err, errEOF)
}
