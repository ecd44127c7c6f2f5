package cortex

import (
	"context"

	"github.com/basket/cortexd/internal/channels"
	"github.com/basket/cortexd/internal/persistence"
)

// dispatch interprets a turn's Response per the Response Protocol (spec.md
// §4.6) and routes it through the adapter registry (spec.md §4.4, §4.7). It
// returns whether the turn was silent and the text recorded in the session
// (the cleaned content, or the silence marker). Tool calls are executed
// after pending ops are recorded, before the user-visible text is
// dispatched (spec.md §4.6 step 6).
func (l *Loop) dispatch(ctx context.Context, env *persistence.Envelope, foregroundChannel string, resp Response) (silent bool, recordedText string) {
	spawned := l.runToolCalls(ctx, env, resp.ToolCalls)

	if isSilent(resp.Text) || resp.Text == "" {
		if spawned {
			return true, silenceMarker + " " + spawnDispatchedMarker
		}
		return true, silenceMarker
	}

	content, directedTargets := extractTargets(resp.Text)
	if content == "" {
		if spawned {
			return true, silenceMarker + " " + spawnDispatchedMarker
		}
		return true, silenceMarker
	}

	defaultChannel := foregroundChannel
	var replyTo string
	if env.Reply != nil && env.Reply.Channel != "" {
		defaultChannel = env.Reply.Channel
		replyTo = env.Reply.UpstreamMsgID
	}

	var targets []channels.OutputTarget
	if len(directedTargets) > 0 {
		for _, ch := range directedTargets {
			targets = append(targets, channels.OutputTarget{Channel: ch, Content: content})
		}
	} else {
		targets = append(targets, channels.OutputTarget{Channel: defaultChannel, Content: content, ReplyTo: replyTo})
	}

	if l.registry != nil {
		l.registry.Dispatch(ctx, targets)
	}

	recordedText = content
	if spawned {
		recordedText = content + " " + spawnDispatchedMarker
	}
	return false, recordedText
}
