package processor

import (
	"context"
	"sync"
	"testing"

	"voice-server/internal/config"
	"voice-server/internal/observability"
	"voice-server/internal/voice/bridge"
	"voice-server/internal/voice/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	mu     sync.Mutex
	state  bridge.State
	events []bridge.LifecycleEvent
}

func (f *fakeCall) State() bridge.State { return f.state }

func (f *fakeCall) HandleLifecycleEvent(_ context.Context, ev bridge.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeCall) received() []bridge.LifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.LifecycleEvent(nil), f.events...)
}

func newTestProcessor(calls *registry.Registry) *Processor {
	return New(Config{
		Agent: config.AgentConfig{
			Provider:  config.ProviderVoiceLive,
			VoiceLive: config.VoiceLiveConfig{Voice: "en-US-AvaNeural"},
			Gemini:    config.GeminiConfig{Voice: "Aoede"},
		},
		Calls:  calls,
		Logger: observability.NewLogger(),
	})
}

func TestStatusReason(t *testing.T) {
	assert.Equal(t, bridge.ReasonDisconnected, statusReason("completed"))
	assert.Equal(t, "busy", statusReason("busy"))
	assert.Equal(t, "no-answer", statusReason("no-answer"))
}

func TestStatusCallbackDeliversConnected(t *testing.T) {
	calls := registry.New(observability.NewLogger())
	call := &fakeCall{state: bridge.StateActive}
	require.NoError(t, calls.Register("CA100", call))

	p := newTestProcessor(calls)
	require.NoError(t, p.HandleStatusCallback(context.Background(), "CA100", "in-progress"))

	events := call.received()
	require.Len(t, events, 1)
	assert.Equal(t, bridge.LifecycleConnected, events[0].Type)
}

func TestStatusCallbackDeliversDisconnectedWithReason(t *testing.T) {
	tests := []struct {
		status string
		reason string
	}{
		{status: "completed", reason: bridge.ReasonDisconnected},
		{status: "busy", reason: "busy"},
		{status: "failed", reason: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			calls := registry.New(observability.NewLogger())
			call := &fakeCall{state: bridge.StateActive}
			require.NoError(t, calls.Register("CA200", call))

			p := newTestProcessor(calls)
			require.NoError(t, p.HandleStatusCallback(context.Background(), "CA200", tt.status))

			events := call.received()
			require.Len(t, events, 1)
			assert.Equal(t, bridge.LifecycleDisconnected, events[0].Type)
			assert.Equal(t, tt.reason, events[0].Reason)
		})
	}
}

func TestStatusCallbackConnectedWithoutBridge(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))
	assert.NoError(t, p.HandleStatusCallback(context.Background(), "CA404", "in-progress"))
}

func TestStatusCallbackIgnoresUnknownStatus(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))
	assert.NoError(t, p.HandleStatusCallback(context.Background(), "CA404", "transferring"))
}

func TestNewAgentSessionVoiceLive(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))

	agent, err := p.newAgentSession()
	require.NoError(t, err)
	require.NotNil(t, agent)
}

func TestNewAgentSessionGeminiRequiresClient(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))
	p.cfg.Agent.Provider = config.ProviderGemini

	_, err := p.newAgentSession()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini provider selected")
}

func TestNewAgentSessionUnknownProvider(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))
	p.cfg.Agent.Provider = "polyphone"

	_, err := p.newAgentSession()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent provider")
}

func TestVoiceNameFollowsProvider(t *testing.T) {
	p := newTestProcessor(registry.New(observability.NewLogger()))
	assert.Equal(t, "en-US-AvaNeural", p.voiceName())

	p.cfg.Agent.Provider = config.ProviderGemini
	assert.Equal(t, "Aoede", p.voiceName())
}

func TestActiveCallsSnapshot(t *testing.T) {
	calls := registry.New(observability.NewLogger())
	require.NoError(t, calls.Register("CA2", &fakeCall{state: bridge.StateActive}))
	require.NoError(t, calls.Register("CA1", &fakeCall{state: bridge.StateDraining}))

	p := newTestProcessor(calls)
	active := p.ActiveCalls()
	require.Len(t, active, 2)
	assert.Equal(t, "CA1", active[0].CallID)
	assert.Equal(t, "draining", active[0].State)
	assert.Equal(t, "CA2", active[1].CallID)
	assert.Equal(t, "active", active[1].State)
}
