package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/retention"
	"github.com/roach88/vledger/internal/session"
)

const deadHeartbeat = "hb:2000-01-01T00:00:00Z"

func TestSessionLifecycle(t *testing.T) {
	env := newCLIEnv(t, "")

	var rec session.Record
	require.NoError(t, env.runJSON(t, &rec, "session", "open", "s1"))
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "tester", rec.Authority)
	assert.Equal(t, session.StatusOpen, rec.Status)

	out, err := env.run(t, "session", "open", "s1")
	require.Error(t, err)
	assert.Contains(t, out, "Error ["+ErrCodeSessionConflict+"]")

	out, err = env.run(t, "session", "heartbeat", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session s1 alive")

	var records []session.Record
	require.NoError(t, env.runJSON(t, &records, "session", "list"))
	assert.Len(t, records, 1)

	out, err = env.run(t, "session", "close", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session s1 closed")

	out, err = env.run(t, "session", "close", "s1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCodeOf(err))
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]")
}

func TestSessionOpenWithPID(t *testing.T) {
	env := newCLIEnv(t, "")

	var rec session.Record
	require.NoError(t, env.runJSON(t, &rec, "session", "open", "s1", "--pid", "4242"))
	assert.Equal(t, "pid:4242", rec.LivenessToken)

	_, err := env.run(t, "session", "open", "s2", "--pid", "1", "--token", "hb:x")
	require.Error(t, err)
}

func TestSessionRecoverSealsVoidOnce(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "session", "open", "s2", "--token", deadHeartbeat)
	require.NoError(t, err)

	var orphans []session.Orphan
	require.NoError(t, env.runJSON(t, &orphans, "session", "orphans", "--timeout", "0s"))
	require.Len(t, orphans, 1)
	assert.Equal(t, "s2", orphans[0].SessionID)

	var summary session.PassSummary
	require.NoError(t, env.runJSON(t, &summary, "session", "recover"))
	assert.Equal(t, 1, summary.Found)
	assert.Equal(t, 1, summary.Recovered)
	require.Len(t, summary.Results, 1)
	require.NotNil(t, summary.Results[0].Receipt)
	assert.Equal(t, session.ActionSealed, summary.Results[0].Action)

	var result struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.NoError(t, env.runJSON(t, &result, "query", "--session", "s2"))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, ledger.VerdictVoid, result.Entries[0].Verdict)
	assert.Equal(t, retention.SystemRecoveryAuthority, result.Entries[0].Authority)

	require.NoError(t, env.runJSON(t, &summary, "session", "recover", "--timeout", "0s"))
	assert.Equal(t, 0, summary.Found)

	out, err := env.run(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0 open sessions")
}

func TestMaintainRecoversUntilCancelled(t *testing.T) {
	env := newCLIEnv(t, "")
	_, err := env.run(t, "session", "open", "s3", "--token", deadHeartbeat)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := env.runContext(ctx, t, "maintain", "--verify-interval", "20ms")
		done <- err
	}()

	registry, err := session.OpenRegistry(filepath.Join(env.dir, "sessions.jsonl"))
	require.NoError(t, err)
	defer registry.Close()

	require.Eventually(t, func() bool {
		records, err := registry.List(context.Background())
		return err == nil && len(records) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("maintain did not stop after cancel")
	}
}
