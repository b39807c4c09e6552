package execreg_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/execreg"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
)

func TestRegisterAndGet(t *testing.T) {
	reg := execreg.New()
	e := wqdss.NewExecution("exec-1", "default", "output.csv")
	reg.Register(e)

	got, err := reg.Get("exec-1")
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestGetUnknownID(t *testing.T) {
	reg := execreg.New()
	_, err := reg.Get("nope")
	require.True(t, errors.Is(err, wqerrors.ErrExecutionNotFound))
}

func TestListIsSortedByID(t *testing.T) {
	reg := execreg.New()
	reg.Register(wqdss.NewExecution("b", "default", "o.csv"))
	reg.Register(wqdss.NewExecution("a", "default", "o.csv"))

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, "b", list[1].ID)
}

func TestStatusTransitionsOnceToCompleted(t *testing.T) {
	e := wqdss.NewExecution("exec-1", "default", "output.csv")
	require.Equal(t, wqdss.ExecRunning, e.State())
	e.MarkComplete()
	require.Equal(t, wqdss.ExecCompleted, e.State())
}
