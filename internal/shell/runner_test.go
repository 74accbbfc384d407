package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner(5 * time.Second)
	if _, err := r.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := r.Run(context.Background(), Command{
		Dir:  t.TempDir(),
		Env:  []string{"SITE_GREETING=hello"},
		Name: "sh",
		Args: []string{"-c", "echo $SITE_GREETING; echo oops 1>&2"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestExecRunner_Failure(t *testing.T) {
	r := NewExecRunner(5 * time.Second)
	if _, err := r.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo Killed; exit 3"}})
	require.Error(t, err)
	assert.Contains(t, out, "Killed")
}

func TestExecRunner_NotInstalled(t *testing.T) {
	r := NewExecRunner(time.Second)

	_, err := r.LookPath("definitely-not-a-real-binary-xyz")
	assert.ErrorIs(t, err, ErrNotInstalled)

	_, err = r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestCommand_String(t *testing.T) {
	c := Command{Name: "pm2", Args: []string{"delete", "nextjs_site_a.com"}}
	assert.Equal(t, "pm2 delete nextjs_site_a.com", c.String())
}
