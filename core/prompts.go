package orchestration

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
)

const (
	DefaultGreeting     = "Hello! How can I help you today?"
	TimeoutPrompt       = "I didn't hear anything. Are you still there?"
	ClarificationPrompt = "Sorry, I didn't catch that. Could you say it again?"
	FarewellPrompt      = "Goodbye! Talk to you later."
	MaxTurnsPrompt      = "We've been talking for a while, so I'll let you go now. Call me back any time. Goodbye!"
	ApologyPrompt       = "I'm sorry, something went wrong on my end. Please call back in a moment. Goodbye."
)

var defaultFillers = []string{
	"Let me think about that.",
	"One moment.",
	"Let me check on that.",
	"Give me a second.",
	"Hmm, let me see.",
}

func pickFiller(fillers []string) string {
	if len(fillers) == 0 {
		return ""
	}
	return fillers[rand.IntN(len(fillers))]
}

// promptCache keeps synthesized audio of fixed prompts, which are spoken on
// almost every call with the same voice.
type promptCache struct {
	mu    sync.RWMutex
	clips map[string]audio.Clip
}

func newPromptCache() *promptCache {
	return &promptCache{clips: map[string]audio.Clip{}}
}

func promptCacheKey(voice string, encoding audio.EncodingInfo, text string) string {
	return fmt.Sprintf("%s|%s/%d|%s", voice, encoding.Format.Name(), encoding.SampleRate, text)
}

func (c *promptCache) get(key string) (audio.Clip, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clip, ok := c.clips[key]
	return clip, ok
}

func (c *promptCache) put(key string, clip audio.Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clips[key] = clip
}
