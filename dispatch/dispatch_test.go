package dispatch_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch"
	"github.com/watershed-dss/wqdss/sandbox"
)

type fakeModels struct {
	archives map[string][]byte
}

func (f *fakeModels) Get(name string) ([]byte, error) {
	b, ok := f.archives[name]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

var errNotFound = bytesErr("model not found")

type bytesErr string

func (e bytesErr) Error() string { return string(e) }

func zipOf(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInProcessDispatchRunsAndPackages(t *testing.T) {
	models := &fakeModels{archives: map[string][]byte{
		"default": zipOf(t, map[string]string{
			"flows.csv": "title\nmeta\nv_hangq, v_qin\n1.0, 30.0\n",
			"out.csv":   "a,b\n1,2\n",
		}),
	}}

	box, err := sandbox.New("/bin/true", t.TempDir())
	require.NoError(t, err)

	d := dispatch.NewInProcess(models, box)

	perm := wqdss.Permutation{"flows.csv": {Col: "v_hangq", Value: 2.0}}
	archiveBytes, err := d.Dispatch(context.Background(), "default", perm, "out.csv")
	require.NoError(t, err)

	lines, err := sandbox.ParseOutput(archiveBytes, "out.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"a,b", "1,2"}, lines)

	rewritten, err := sandbox.ParseOutput(archiveBytes, "flows.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"title", "meta", "v_hangq,v_qin", "2,30.0"}, rewritten)
}

func TestInProcessDispatchUnknownModel(t *testing.T) {
	box, err := sandbox.New("/bin/true", t.TempDir())
	require.NoError(t, err)
	d := dispatch.NewInProcess(&fakeModels{archives: map[string][]byte{}}, box)

	_, err = d.Dispatch(context.Background(), "missing", wqdss.Permutation{}, "out.csv")
	require.Error(t, err)
}
