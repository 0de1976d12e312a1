package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/auth"
	"github.com/BuzzLyutic/shadowflow/internal/session"
	"github.com/BuzzLyutic/shadowflow/internal/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCLI_TaskCommands(t *testing.T) {
	srv := testutil.NewAPIServer(t)
	t.Setenv("SHADOWFLOW_TOKEN", "")
	ctx := context.Background()
	flags := []string{"--api", srv.URL, "--token", srv.Token(t, "alice")}

	out, err := run(t, ctx, append([]string{"list"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks found.")

	out, err = run(t, ctx, append([]string{"add", "buy", "milk"}, flags...)...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "added "))
	id := strings.TrimSpace(strings.TrimPrefix(out, "added "))

	out, err = run(t, ctx, append([]string{"done", id}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "buy milk")

	out, err = run(t, ctx, append([]string{"list", "--filter", "completed"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, ctx, append([]string{"list", "--filter", "active"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks found.")

	_, err = run(t, ctx, append([]string{"undo", id}, flags...)...)
	require.NoError(t, err)
	_, err = run(t, ctx, append([]string{"rename", id, "buy", "oat", "milk"}, flags...)...)
	require.NoError(t, err)

	out, err = run(t, ctx, append([]string{"list", "--filter", "active"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "buy oat milk")

	out, err = run(t, ctx, append([]string{"rm", id}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "deleted "+id+"\n", out)

	_, err = run(t, ctx, append([]string{"rm", id}, flags...)...)
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}

func TestCLI_Errors(t *testing.T) {
	srv := testutil.NewAPIServer(t)
	t.Setenv("SHADOWFLOW_TOKEN", "")
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no token", []string{"list", "--api", srv.URL}, session.ErrNoSession},
		{"bad token", []string{"list", "--api", srv.URL, "--token", "garbage"}, auth.ErrInvalidToken},
		{"foreign secret", []string{"list", "--api", srv.URL, "--token", mustIssue(t, "other-secret", "alice")}, apiclient.ErrUnauthorized},
		{"blank title", []string{"add", " ", "--api", srv.URL, "--token", srv.Token(t, "alice")}, apiclient.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, ctx, tt.args...)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := run(t, ctx, "list", "--filter", "someday", "--api", srv.URL, "--token", srv.Token(t, "alice"))
	assert.Error(t, err)
}

func TestCLI_DevToken(t *testing.T) {
	out, err := run(t, context.Background(), "devtoken", "--user", "alice", "--secret", "s3cret", "--ttl", "1h")
	require.NoError(t, err)

	userID, err := auth.NewIssuer("s3cret").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = run(t, context.Background(), "devtoken", "--secret", "s3cret")
	assert.Error(t, err)
}

func TestCLI_Watch(t *testing.T) {
	srv := testutil.NewAPIServer(t)
	t.Setenv("SHADOWFLOW_TOKEN", "")
	token := srv.Token(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"watch", "--api", srv.URL, "--token", token})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "== All Tasks ==")
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return srv.Hub.Subscribers("alice") == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := apiclient.New(srv.URL).CreateTask(context.Background(), token, "from elsewhere")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[ ] from elsewhere")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func mustIssue(t *testing.T, secret, userID string) string {
	t.Helper()
	token, err := auth.NewIssuer(secret).Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}
