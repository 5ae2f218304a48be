package knownhosts

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPolicy answers with a fixed decision and records prompts.
type recordingPolicy struct {
	answer  bool
	err     error
	prompts []Prompt
}

func (p *recordingPolicy) Decide(pr Prompt) (bool, error) {
	p.prompts = append(p.prompts, pr)
	return p.answer, p.err
}

func TestVerifyUnknownAccepted(t *testing.T) {
	s := newTestStore(t)
	policy := &recordingPolicy{answer: true}
	v := &Verifier{Store: s, Policy: policy}
	key := [32]byte{7}

	d, err := v.Verify("192.0.2.1", 27224, &key)
	require.NoError(t, err)
	assert.True(t, d.Added)
	require.Len(t, policy.prompts, 1)
	assert.Equal(t, PromptUnknownHost, policy.prompts[0].Kind)

	d, err = v.Verify("192.0.2.1", 27224, &key)
	require.NoError(t, err)
	assert.Equal(t, Match, d.Result)
	assert.Len(t, policy.prompts, 1, "known hosts match silently")
}

func TestVerifyConcurrentUnknownHost(t *testing.T) {
	s := newTestStore(t)
	var prompts atomic.Int32
	v := &Verifier{Store: s, Policy: PolicyFunc(func(Prompt) (bool, error) {
		prompts.Add(1)
		return true, nil
	})}
	key := [32]byte{9}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Verify("192.0.2.1", 27224, &key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), prompts.Load())
	entries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestVerifyUnknownDeclined(t *testing.T) {
	s := newTestStore(t)
	v := &Verifier{Store: s, Policy: RejectAll}

	_, err := v.Verify("192.0.2.1", 27224, nil)
	assert.ErrorIs(t, err, ErrHostRejected)

	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifyNoIdentityPrompt(t *testing.T) {
	policy := &recordingPolicy{answer: true}
	v := &Verifier{Store: newTestStore(t), Policy: policy}

	d, err := v.Verify("192.0.2.1", 27224, nil)
	require.NoError(t, err)
	assert.True(t, d.Added)
	assert.Equal(t, PromptNoIdentity, policy.prompts[0].Kind)
}

func TestVerifyMismatch(t *testing.T) {
	s := newTestStore(t)
	k1, k2 := [32]byte{1}, [32]byte{2}
	require.NoError(t, s.Add("192.0.2.1", 27224, &k1))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	t.Run("declined", func(t *testing.T) {
		policy := &recordingPolicy{answer: false}
		v := &Verifier{Store: s, Policy: policy}

		d, err := v.Verify("192.0.2.1", 27224, &k2)
		assert.ErrorIs(t, err, ErrHostKeyMismatch)
		assert.Equal(t, Mismatch, d.Result)
		require.Len(t, policy.prompts, 1)
		assert.Equal(t, PromptKeyChanged, policy.prompts[0].Kind)
		assert.Len(t, policy.prompts[0].Stored, 1)
	})

	t.Run("overridden", func(t *testing.T) {
		v := &Verifier{Store: s, Policy: AcceptAll}

		d, err := v.Verify("192.0.2.1", 27224, &k2)
		require.NoError(t, err)
		assert.True(t, d.Overridden)
		assert.False(t, d.Added)
	})

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "an override never rewrites the stored entry")
}

func TestVerifyNilPolicyRejects(t *testing.T) {
	v := &Verifier{Store: newTestStore(t)}
	_, err := v.Verify("192.0.2.1", 27224, &[32]byte{1})
	assert.ErrorIs(t, err, ErrHostRejected)
}

func TestVerifyPolicyError(t *testing.T) {
	v := &Verifier{Store: newTestStore(t), Policy: &recordingPolicy{err: errors.New("no tty")}}
	_, err := v.Verify("192.0.2.1", 27224, &[32]byte{1})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrHostRejected)
}

func TestVerifyBypass(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add("192.0.2.1", 27224, &[32]byte{1}))
	policy := &recordingPolicy{}

	for _, bypass := range []Bypass{{Insecure: true}, {CI: true}} {
		v := &Verifier{Store: s, Policy: policy, Bypass: bypass}
		d, err := v.Verify("192.0.2.1", 27224, &[32]byte{2})
		require.NoError(t, err)
		assert.True(t, d.Bypassed)
	}
	assert.Empty(t, policy.prompts, "bypass short-circuits all prompting")
}

func TestBypassFromEnv(t *testing.T) {
	t.Setenv(EnvInsecureNoHostCheck, "1")
	t.Setenv(EnvCI, "")
	b := BypassFromEnv()
	assert.True(t, b.Insecure)
	assert.False(t, b.CI)

	t.Setenv(EnvInsecureNoHostCheck, "0")
	t.Setenv(EnvCI, "true")
	b = BypassFromEnv()
	assert.False(t, b.Insecure)
	assert.True(t, b.CI)
	assert.True(t, b.Active())
}

func TestTerminalPolicy(t *testing.T) {
	key := [32]byte{1}
	tests := []struct {
		name        string
		kind        PromptKind
		input       string
		interactive bool
		want        bool
		wantOutput  string
	}{
		{"accept unknown", PromptUnknownHost, "yes\n", true, true, "REMOTE HOST IDENTIFICATION NOT KNOWN"},
		{"short answer", PromptUnknownHost, "Y\n", true, true, "Permanently added"},
		{"decline unknown", PromptUnknownHost, "no\n", true, false, "aborted by user"},
		{"changed key", PromptKeyChanged, "no\n", true, false, "REMOTE HOST IDENTIFICATION HAS CHANGED"},
		{"no identity", PromptNoIdentity, "yes\n", true, true, "no identity key"},
		{"non-interactive", PromptUnknownHost, "yes\n", false, false, "non-interactive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &TerminalPolicy{In: strings.NewReader(tt.input), Out: &out, Interactive: tt.interactive}

			prompt := Prompt{Kind: tt.kind, Addr: "192.0.2.1:27224", Received: &key,
				Stored: []Entry{{Key: [32]byte{2}, Line: 4}}, Path: "/tmp/known_hosts"}
			if tt.kind == PromptNoIdentity {
				prompt.Received = nil
			}

			got, err := p.Decide(prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), tt.wantOutput)
		})
	}
}
