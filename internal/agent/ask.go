package agent

import (
	"context"
	"time"
)

// DefaultAskTimeout bounds how long a turn waits for a human answer.
const DefaultAskTimeout = 60 * time.Second

type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is an interactive prompt raised by an agent mid-turn.
type Question struct {
	ID          string   `json:"id"`
	Header      string   `json:"header,omitempty"`
	Text        string   `json:"text"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// Asker bridges questions to whoever is on the other end of the chat.
// The returned labels are the selected options.
type Asker interface {
	Ask(ctx context.Context, q Question) ([]string, error)
}

type AskerFunc func(ctx context.Context, q Question) ([]string, error)

func (f AskerFunc) Ask(ctx context.Context, q Question) ([]string, error) { return f(ctx, q) }

// FirstOption is the fallback answer: the first option's label.
func FirstOption(q Question) []string {
	if len(q.Options) == 0 {
		return nil
	}
	return []string{q.Options[0].Label}
}

// WithAskTimeout wraps a so that it answers with the first option when the
// bridge fails, returns nothing, or stays silent for longer than d.
func WithAskTimeout(a Asker, d time.Duration) Asker {
	return AskerFunc(func(ctx context.Context, q Question) ([]string, error) {
		if a == nil {
			return FirstOption(q), nil
		}
		actx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type answer struct {
			labels []string
			err    error
		}
		ch := make(chan answer, 1)
		go func() {
			labels, err := a.Ask(actx, q)
			ch <- answer{labels, err}
		}()

		select {
		case ans := <-ch:
			if ans.err != nil || len(ans.labels) == 0 {
				return FirstOption(q), nil
			}
			return ans.labels, nil
		case <-actx.Done():
			return FirstOption(q), nil
		}
	})
}
