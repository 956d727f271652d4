package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/provider"
)

// endCallGracePeriod is how long RequestEndCall waits before tearing the
// session down, so the agent's closing remark finishes playing before the
// provider connection closes.
const endCallGracePeriod = 5 * time.Second

type liveSession struct {
	bridge *provider.Bridge
	cancel context.CancelFunc
	vars   map[string]string
}

// ActiveSessions is the tool dispatcher's view into sessions currently
// running inside a provider bridge: it satisfies tools.EndCallRequester and
// tools.VariableWriter by reaching into the bridge the gateway registered
// for a session id.
type ActiveSessions struct {
	mu  sync.Mutex
	all map[string]*liveSession
}

// NewActiveSessions constructs an empty registry.
func NewActiveSessions() *ActiveSessions {
	return &ActiveSessions{all: make(map[string]*liveSession)}
}

func (a *ActiveSessions) register(sessionID string, bridge *provider.Bridge, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.all[sessionID] = &liveSession{bridge: bridge, cancel: cancel, vars: make(map[string]string)}
}

func (a *ActiveSessions) unregister(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.all, sessionID)
}

// RequestEndCall implements tools.EndCallRequester.
func (a *ActiveSessions) RequestEndCall(sessionID string) {
	a.mu.Lock()
	ls, ok := a.all[sessionID]
	a.mu.Unlock()
	if !ok {
		return
	}
	time.AfterFunc(endCallGracePeriod, func() {
		ls.bridge.RequestTermination(domain.CauseEndCallTool)
		ls.cancel()
	})
}

// SetVariables implements tools.VariableWriter: writes accumulate for the
// session's lifetime and can be read back through Variables. Webhook
// placeholder substitution does not read them; it uses only the call's own
// arguments.
func (a *ActiveSessions) SetVariables(ctx context.Context, sessionID string, vars map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.all[sessionID]
	if !ok {
		log.L().Warn("gateway: dynamic variable write for unknown session", "session_id", sessionID)
		return
	}
	for k, v := range vars {
		ls.vars[k] = v
	}
}

// Variables returns a copy of a session's accumulated dynamic-variable
// writes, or nil for a session that is not registered.
func (a *ActiveSessions) Variables(sessionID string) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.all[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(ls.vars))
	for k, v := range ls.vars {
		out[k] = v
	}
	return out
}
