// ABOUTME: Per-agent serializer funneling inbound conversational records into
// ABOUTME: the LLM conversation one at a time, binding replies to correlated DMs.

package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pi-hive/hive/internal/protocol"
)

// DefaultSettleDelay is how long the inbox waits after the runtime goes idle
// before dispatching the next queued record. Tuning, not semantics: any delay
// that preserves arrival order and one-at-a-time delivery conforms.
const DefaultSettleDelay = 300 * time.Millisecond

// Fallback reply literals for correlated DMs.
const (
	fallbackNoText        = "(agent processing — no text response produced)"
	fallbackInjectFailure = "(failed to deliver message to agent)"
)

// Runtime is the host agent runtime's injection surface. Inject starts a new
// synthetic user turn; InjectFollowUp is the retry primitive used when the
// first injection fails.
type Runtime interface {
	Inject(ctx context.Context, text string) error
	InjectFollowUp(ctx context.Context, text string) error
}

// RespondFunc sends a dm_response over the session.
type RespondFunc func(to, correlationID, content string) error

// Block is one content block of a conversation message.
type Block struct {
	Type string
	Text string
}

// TranscriptMessage is one entry of the conversation log handed to AgentEnd.
type TranscriptMessage struct {
	Role   string
	Blocks []Block
}

type pendingReply struct {
	to            string
	correlationID string
}

// Inbox serializes inbound dm, broadcast, and channel_message records. At
// most one record is in flight at a time; FIFO across kinds; a correlated DM
// produces exactly one dm_response, success or fallback.
type Inbox struct {
	runtime Runtime
	respond RespondFunc
	settle  time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	queue      []protocol.Message
	turnActive bool
	timer      *time.Timer
	pending    *pendingReply
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithSettleDelay overrides the post-turn settle delay (tests).
func WithSettleDelay(d time.Duration) Option {
	return func(i *Inbox) { i.settle = d }
}

// New creates an Inbox wired to the runtime and the session's responder.
// Pass nil logger for the default.
func New(runtime Runtime, respond RespondFunc, logger *slog.Logger, opts ...Option) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	ib := &Inbox{
		runtime: runtime,
		respond: respond,
		settle:  DefaultSettleDelay,
		logger:  logger.With("component", "inbox"),
	}
	for _, opt := range opts {
		opt(ib)
	}
	return ib
}

// Deliver enqueues one conversational record. Records of any other kind are
// ignored; they bypass the inbox.
func (i *Inbox) Deliver(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeDM, protocol.TypeBroadcast, protocol.TypeChannelMessage:
	default:
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.queue = append(i.queue, msg)
	if !i.turnActive {
		i.scheduleLocked()
	}
}

// AgentStart marks the beginning of an LLM turn. Any scheduled dispatch is
// cancelled; queued records wait for the turn to finish.
func (i *Inbox) AgentStart() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.turnActive = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// AgentEnd marks the end of an LLM turn with the conversation log so far. If
// a correlated DM was dispatched into this turn, its bound reply is extracted
// from the log and sent now.
func (i *Inbox) AgentEnd(messages []TranscriptMessage) {
	i.mu.Lock()
	pending := i.pending
	i.pending = nil
	i.turnActive = false
	if len(i.queue) > 0 {
		i.scheduleLocked()
	}
	i.mu.Unlock()

	if pending == nil {
		return
	}

	content := lastAssistantText(messages)
	if content == "" {
		content = fallbackNoText
	}
	if err := i.respond(pending.to, pending.correlationID, content); err != nil {
		i.logger.Warn("sending dm_response", "to", pending.to, "error", err)
	}
}

// scheduleLocked arms the settle timer if it is not already armed. Caller
// holds i.mu.
func (i *Inbox) scheduleLocked() {
	if i.timer != nil {
		return
	}
	i.timer = time.AfterFunc(i.settle, i.dispatch)
}

// dispatch takes one record off the queue and injects it as a synthetic user
// turn. The inbox counts the agent as busy from injection until the matching
// AgentEnd.
func (i *Inbox) dispatch() {
	i.mu.Lock()
	i.timer = nil
	if i.turnActive || len(i.queue) == 0 {
		i.mu.Unlock()
		return
	}
	msg := i.queue[0]
	i.queue = i.queue[1:]
	i.turnActive = true
	if msg.Type == protocol.TypeDM && msg.CorrelationID != "" {
		i.pending = &pendingReply{to: msg.FromName, correlationID: msg.CorrelationID}
	}
	i.mu.Unlock()

	text := fmt.Sprintf("[%s]: %s", label(msg), msg.Content)
	ctx := context.Background()

	err := i.runtime.Inject(ctx, text)
	if err != nil {
		i.logger.Warn("injection failed, retrying as follow-up", "error", err)
		err = i.runtime.InjectFollowUp(ctx, text)
	}
	if err == nil {
		return
	}

	// Both injection attempts failed: honor the reply guarantee, drop the
	// record, and keep the queue moving.
	i.logger.Error("both injection attempts failed, dropping record", "type", msg.Type, "error", err)
	i.mu.Lock()
	pending := i.pending
	i.pending = nil
	i.turnActive = false
	if len(i.queue) > 0 {
		i.scheduleLocked()
	}
	i.mu.Unlock()

	if pending != nil {
		if rerr := i.respond(pending.to, pending.correlationID, fallbackInjectFailure); rerr != nil {
			i.logger.Warn("sending fallback dm_response", "to", pending.to, "error", rerr)
		}
	}
}

// label formats the synthetic-turn prefix by record kind.
func label(msg protocol.Message) string {
	switch msg.Type {
	case protocol.TypeBroadcast:
		return "Broadcast from " + msg.FromName
	case protocol.TypeChannelMessage:
		return "#" + msg.Channel + " from " + msg.FromName
	default:
		return "From " + msg.FromName
	}
}

// lastAssistantText returns the last non-empty text block of the last
// assistant message, or "" when the turn produced no text.
func lastAssistantText(messages []TranscriptMessage) string {
	for m := len(messages) - 1; m >= 0; m-- {
		if messages[m].Role != "assistant" {
			continue
		}
		for b := len(messages[m].Blocks) - 1; b >= 0; b-- {
			block := messages[m].Blocks[b]
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				return block.Text
			}
		}
		return ""
	}
	return ""
}
